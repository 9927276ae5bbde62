package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/engramd/engram/internal/config"
	"github.com/engramd/engram/internal/pipeline"
)

// withController opens the system context for a one-shot command and
// tears it down afterwards.
func withController(fn func(ctx context.Context, c *pipeline.Controller) error) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if v := os.Getenv("ENGRAM_DB"); v != "" {
		cfg.Database.Path = v
	}

	c, err := pipeline.Open(cfg)
	if err != nil {
		return fmt.Errorf("open pipeline: %w", err)
	}
	defer c.Close()
	return fn(context.Background(), c)
}

var (
	ingestSensitive   bool
	ingestWeight      int
	ingestCredentials []string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <owner> [payload]",
	Short: "Ingest a memory payload (reads stdin when omitted)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload []byte
		if len(args) == 2 {
			payload = []byte(args[1])
		} else {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			payload = data
		}

		var creds [][]byte
		for _, c := range ingestCredentials {
			creds = append(creds, []byte(c))
		}

		return withController(func(ctx context.Context, c *pipeline.Controller) error {
			id, err := c.Ingest(ctx, args[0], payload, pipeline.IngestOptions{
				Sensitive:   ingestSensitive,
				Weight:      ingestWeight,
				Credentials: creds,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		})
	},
}

var getCredential string

var getCmd = &cobra.Command{
	Use:   "get <owner> <id>",
	Short: "Read a memory payload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *pipeline.Controller) error {
			payload, err := c.Read(ctx, args[0], args[1], []byte(getCredential))
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(payload)
			return err
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <owner> <id>",
	Short: "Delete a memory record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *pipeline.Controller) error {
			return c.Delete(ctx, args[0], args[1])
		})
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Move promotion-eligible records to their next stage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *pipeline.Controller) error {
			moved, err := c.PromoteEligible(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("promoted %d records\n", moved)
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print a metrics snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *pipeline.Controller) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(c.Stats())
		})
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestSensitive, "sensitive", false, "seal the payload in a secure envelope")
	ingestCmd.Flags().IntVar(&ingestWeight, "weight", 0, "importance weight (default from config)")
	ingestCmd.Flags().StringArrayVar(&ingestCredentials, "credential", nil, "credential admitted to unwrap (repeatable)")
	getCmd.Flags().StringVar(&getCredential, "credential", "", "credential for sensitive payloads")
}
