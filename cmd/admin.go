package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidbz/markl/internal/config"
	"github.com/davidbz/markl/internal/domain"
)

func newReindexCommand() *cobra.Command {
	var (
		sourceType string
		sourceID   string
		file       string
		scope      string
	)

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Chunk, embed and store one knowledge source",
		Long: "Reads text from --file (or stdin with -) and replaces every stored chunk of the source.\n" +
			"Nothing is written if any chunk fails to embed.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readSource(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			return invoke(func(retrieval *domain.RetrievalService) error {
				metadata := map[string]string{}
				if scope != "" {
					metadata[domain.MetadataScope] = scope
				}

				source := domain.SourceRef{Type: sourceType, ID: sourceID}
				result, err := retrieval.Index(cmd.Context(), source, text, metadata)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "indexed %s: %d chunks\n", result.Source, result.Chunks)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sourceType, "source-type", "", "source type, e.g. faq")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "source identifier")
	cmd.Flags().StringVarP(&file, "file", "f", "", "text file to index, - for stdin")
	cmd.Flags().StringVar(&scope, "scope", "", "tenant scope stored with every chunk")
	_ = cmd.MarkFlagRequired("source-type")
	_ = cmd.MarkFlagRequired("source-id")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newLimitCommand() *cobra.Command {
	limit := &cobra.Command{
		Use:   "limit",
		Short: "Manage daily token limits",
	}

	var (
		scope string
		id    string
		value int
	)

	set := &cobra.Command{
		Use:   "set",
		Short: "Override the daily token limit of a scope",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ref, err := parseScopeRef(scope, id)
			if err != nil {
				return err
			}
			if value <= 0 {
				return errors.New("--limit must be positive")
			}

			return invoke(func(limits domain.LimitStore) error {
				if err := limits.SetDailyLimit(cmd.Context(), ref, value); err != nil {
					return fmt.Errorf("failed to set limit: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "daily limit for %s set to %d\n", ref, value)
				return nil
			})
		},
	}

	set.Flags().StringVar(&scope, "scope", "", "individual, team or organization")
	set.Flags().StringVar(&id, "id", "", "user, team or organization id")
	set.Flags().IntVar(&value, "limit", 0, "tokens per UTC day")
	_ = set.MarkFlagRequired("scope")
	_ = set.MarkFlagRequired("id")
	_ = set.MarkFlagRequired("limit")

	limit.AddCommand(set)
	return limit
}

func newUsageCommand() *cobra.Command {
	var (
		scope string
		id    string
		day   string
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show tokens used by a scope on a UTC day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ref, err := parseScopeRef(scope, id)
			if err != nil {
				return err
			}
			if day == "" {
				day = domain.DayKey(time.Now())
			}

			return invoke(func(
				ledger domain.UsageLedger,
				limits domain.LimitStore,
				quota *config.QuotaConfig,
			) error {
				ctx := cmd.Context()

				used, err := ledger.UsedOn(ctx, ref, day)
				if err != nil {
					return fmt.Errorf("failed to read usage: %w", err)
				}

				limit, ok, err := limits.DailyLimit(ctx, ref)
				if err != nil {
					return fmt.Errorf("failed to read limit: %w", err)
				}
				source := "override"
				if !ok {
					limit = quotaDefaults(quota).For(ref.Scope)
					source = "default"
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s on %s: %d of %d tokens (%s limit)\n", ref, day, used, limit, source)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "individual, team or organization")
	cmd.Flags().StringVar(&id, "id", "", "user, team or organization id")
	cmd.Flags().StringVar(&day, "day", "", "UTC day as YYYY-MM-DD, defaults to today")
	_ = cmd.MarkFlagRequired("scope")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

// invoke builds the container and runs fn, closing shared connections after.
func invoke(fn interface{}) error {
	container, err := buildContainer()
	if err != nil {
		return err
	}

	defer func() {
		_ = container.Invoke(func(conns *connections) error { return conns.Close() })
	}()

	return container.Invoke(fn)
}

func parseScopeRef(scope, id string) (domain.ScopeRef, error) {
	switch s := domain.QuotaScope(scope); s {
	case domain.ScopeIndividual, domain.ScopeTeam, domain.ScopeOrganization:
		if id == "" {
			return domain.ScopeRef{}, errors.New("--id is required")
		}
		return domain.ScopeRef{Scope: s, ID: id}, nil
	default:
		return domain.ScopeRef{}, fmt.Errorf("unknown scope %q", scope)
	}
}

func readSource(stdin io.Reader, file string) (string, error) {
	var (
		raw []byte
		err error
	)
	if file == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(file)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read source: %w", err)
	}
	return string(raw), nil
}
