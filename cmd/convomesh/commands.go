package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/convomesh"
	"github.com/hupe1980/convomesh/agent"
	"github.com/hupe1980/convomesh/config"
	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/flow"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		tenant     string
		threadID   string
		workflow   string
		language   string
		events     bool
	)
	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Submit one message and print the finished run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			mesh, err := convomesh.NewFromConfig(ctx, cfg)
			if err != nil {
				return err
			}
			defer mesh.Close(context.WithoutCancel(ctx))

			if threadID == "" {
				meta := map[string]any{}
				if language != "" {
					meta[core.ContextLanguage] = language
				}
				th, err := mesh.CreateThread(ctx, tenant, meta)
				if err != nil {
					return err
				}
				threadID = th.ID
			}

			run, err := mesh.Submit(ctx, convomesh.SubmitRequest{
				ThreadID: threadID,
				Message:  args[0],
				Workflow: workflow,
				Mode:     core.ModeWait,
			})
			if err != nil {
				return err
			}
			if !run.Status.IsTerminal() {
				if run, err = mesh.Wait(ctx, run.ID); err != nil {
					return err
				}
			}
			if events {
				for _, ev := range drainEvents(mesh.Events()) {
					if err := writeJSON(cmd.ErrOrStderr(), ev); err != nil {
						return err
					}
				}
			}
			return writeJSON(cmd.OutOrStdout(), run)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "default", "Tenant owning the thread")
	cmd.Flags().StringVar(&threadID, "thread", "", "Continue an existing thread instead of creating one")
	cmd.Flags().StringVarP(&workflow, "workflow", "w", "", "Workflow variant (defaults to the tenant or runner default)")
	cmd.Flags().StringVar(&language, "language", "", "Language hint stored on a new thread")
	cmd.Flags().BoolVar(&events, "events", false, "Print emitted events to stderr")
	return cmd
}

func buildValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and compile its workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			catalog, err := buildCatalog(cfg)
			if err != nil {
				return err
			}
			if _, err := catalog.Get(cfg.Runner.DefaultWorkflow); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d providers, workflows: %v)\n", configPath, len(cfg.Providers), catalog.Names())
			return nil
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func buildWorkflowsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "workflows [name]",
		Short: "List workflows, or describe one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			catalog, err := buildCatalog(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, name := range catalog.Names() {
					fmt.Fprintln(out, name)
				}
				return nil
			}
			wf, err := catalog.Get(args[0])
			if err != nil {
				return err
			}
			_, err = io.WriteString(out, wf.Describe())
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildProvidersCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List configured provider descriptors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			for _, d := range cfg.Providers {
				key := "set"
				if convomesh.APIKey(d) == "" {
					key = "missing"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s api_key=%s\n", convomesh.ProviderSummary(d), key)
			}
			return nil
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func buildSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := config.Schema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

// buildCatalog compiles the builtin variants plus the configured workflows
// against the default stage registry.
func buildCatalog(cfg *config.Config) (*flow.Catalog, error) {
	catalog, err := flow.BuiltinCatalog(agent.DefaultRegistry())
	if err != nil {
		return nil, err
	}
	for _, g := range cfg.Workflows {
		wf, err := flow.Compile(g, agent.DefaultRegistry())
		if err != nil {
			return nil, err
		}
		if err := catalog.Add(wf); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

func drainEvents(ch <-chan core.Event) []core.Event {
	var out []core.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
