package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pen/orchestrator/internal/saga"
	apperrors "github.com/pen/orchestrator/pkg/errors"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1 // 接口返回业务错误
	ExitCommandError = 2 // 参数错误、连接失败等
)

// ExitError 带退出码的错误
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode 业务错误返回 1，其它未分类错误返回 2
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var apiErr *apperrors.Error
	if errors.As(err, &apiErr) {
		return ExitFailure
	}
	return ExitCommandError
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func writeSagaTable(w io.Writer, sagas []saga.Saga) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SAGA ID\tWORKFLOW\tSTATE\tSTATUS\tKEY\tRETRIES\tCREATED")
	for _, s := range sagas {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			s.SagaID, s.SagaName, s.SagaState, s.Status, s.CorrelationKey, s.RetryCount, formatTime(s.CreateDate))
	}
	return tw.Flush()
}

func writeSagaDetail(w io.Writer, s *saga.Saga) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"Saga ID", s.SagaID},
		{"Workflow", s.SagaName},
		{"State", string(s.SagaState)},
		{"Status", string(s.Status)},
		{"Correlation key", s.CorrelationKey},
		{"Retry count", fmt.Sprint(s.RetryCount)},
		{"Created", formatTime(s.CreateDate) + " by " + s.CreateUser},
		{"Updated", formatTime(s.UpdateDate) + " by " + s.UpdateUser},
		{"Payload", s.Payload},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	return tw.Flush()
}

func writeEventTable(w io.Writer, events []saga.SagaEvent) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATE\tOUTCOME\tCREATED\tRESPONSE")
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			ev.StepNumber, ev.EventState, ev.EventOutcome, formatTime(ev.CreateDate), truncate(ev.Response, 60))
	}
	return tw.Flush()
}

func writeBatchTable(w io.Writer, items []BatchItem) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tSAGA ID\tERROR")
	for _, it := range items {
		errText := "-"
		if it.Error != nil {
			errText = string(it.Error.Code) + ": " + it.Error.Message
		}
		sagaID := it.SagaID
		if sagaID == "" {
			sagaID = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", it.Index, sagaID, errText)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
