package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

type payloadFlags struct {
	payload string
	file    string
}

func (p *payloadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.payload, "payload", "p", "", "payload JSON")
	cmd.Flags().StringVarP(&p.file, "file", "f", "", "read payload JSON from file (- for stdin)")
}

func (p *payloadFlags) read(cmd *cobra.Command) (json.RawMessage, error) {
	var data []byte
	switch {
	case p.payload != "" && p.file != "":
		return nil, NewExitError(ExitCommandError, "use only one of --payload and --file")
	case p.payload != "":
		data = []byte(p.payload)
	case p.file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "read stdin", err)
		}
		data = b
	case p.file != "":
		b, err := os.ReadFile(p.file)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "read payload file", err)
		}
		data = b
	default:
		return nil, NewExitError(ExitCommandError, "a payload is required (--payload or --file)")
	}
	if !json.Valid(data) {
		return nil, NewExitError(ExitCommandError, "payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func newListCommand(opts *RootOptions) *cobra.Command {
	var q ListQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sagas",
		Example: `  saga-admin list --status IN_PROGRESS --older-than 10m
  saga-admin list --workflow MATCH_AND_ASSIGN --limit 20 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sagas, err := opts.client().List(cmd.Context(), q)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), sagas)
			}
			if len(sagas) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sagas found.")
				return nil
			}
			return writeSagaTable(cmd.OutOrStdout(), sagas)
		},
	}
	cmd.Flags().StringVar(&q.Workflow, "workflow", "", "only sagas of this workflow")
	cmd.Flags().StringSliceVar(&q.Statuses, "status", nil, "status filter, repeatable")
	cmd.Flags().DurationVar(&q.OlderThan, "older-than", 0, "only sagas created before now minus this duration")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum number of sagas")
	return cmd
}

func newShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show SAGA_ID",
		Short: "Show one saga",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			return writeSagaDetail(cmd.OutOrStdout(), s)
		},
	}
}

func newEventsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events SAGA_ID",
		Short: "Show the event log of a saga",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := opts.client().Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), events)
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No events recorded.")
				return nil
			}
			return writeEventTable(cmd.OutOrStdout(), events)
		},
	}
}

func newStartCommand(opts *RootOptions) *cobra.Command {
	var (
		p     payloadFlags
		batch bool
	)
	cmd := &cobra.Command{
		Use:   "start WORKFLOW",
		Short: "Start a saga, or one saga per element with --batch",
		Example: `  saga-admin start MATCH_AND_ASSIGN -p '{"penRequestBatchStudentID":"42"}'
  saga-admin start PEN_REQUEST_BATCH_STUDENT_PROCESSING --batch -f students.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := p.read(cmd)
			if err != nil {
				return err
			}
			if batch {
				return runBatch(cmd.Context(), cmd, opts, args[0], payload)
			}
			res, err := opts.client().Start(cmd.Context(), args[0], payload, opts.User)
			if err != nil {
				return err
			}
			return printTrigger(cmd, opts, res)
		},
	}
	p.register(cmd)
	cmd.Flags().BoolVar(&batch, "batch", false, "payload is a JSON array, one saga per element")
	return cmd
}

func runBatch(ctx context.Context, cmd *cobra.Command, opts *RootOptions, workflow string, payload json.RawMessage) error {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return WrapExitError(ExitCommandError, "--batch payload must be a JSON array", err)
	}
	res, err := opts.client().StartBatch(ctx, workflow, items, opts.User)
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else if err := writeBatchTable(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	failed := 0
	for _, it := range res {
		if it.Error != nil {
			failed++
		}
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d sagas not started", failed, len(res)))
	}
	return nil
}

func newForceStartCommand(opts *RootOptions) *cobra.Command {
	var p payloadFlags
	cmd := &cobra.Command{
		Use:   "force-start WORKFLOW",
		Short: "Force-stop any active saga for the payload's key and start a new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := p.read(cmd)
			if err != nil {
				return err
			}
			res, err := opts.client().ForceStart(cmd.Context(), args[0], payload, opts.User)
			if err != nil {
				return err
			}
			return printTrigger(cmd, opts, res)
		},
	}
	p.register(cmd)
	return cmd
}

func newForceStopCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "force-stop SAGA_ID",
		Short: "Stop a saga; later events for it are discarded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().ForceStop(cmd.Context(), args[0], opts.User)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", s.SagaID, s.Status)
			return nil
		},
	}
}

func newReplayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay SAGA_ID",
		Short: "Re-drive the saga's current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Replay(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", res.SagaID, res.Result)
			return nil
		},
	}
}

func printTrigger(cmd *cobra.Command, opts *RootOptions, res *TriggerResult) error {
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", res.SagaID, res.Status)
	return nil
}
