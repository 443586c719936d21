package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
)

var (
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorRed       = lipgloss.Color("#FF4141")
	colorYellow    = lipgloss.Color("#FFB000")
	colorLightGray = lipgloss.Color("#9e9e9e")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true)

	styleHeader = lipgloss.NewStyle().
			Foreground(colorLightGray).
			Bold(true)

	styleLabel = lipgloss.NewStyle().
			Foreground(colorLightGray).
			Width(14)

	styleError = lipgloss.NewStyle().Foreground(colorRed)
)

const timeLayout = "2006-01-02 15:04:05"

// runView is the JSON shape of a run for status and history output.
type runView struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenantId"`
	Status            string     `json:"status"`
	OperationType     string     `json:"operationType"`
	QueryType         string     `json:"queryType,omitempty"`
	RemoteOperationID string     `json:"remoteOperationId,omitempty"`
	RetryCount        int        `json:"retryCount"`
	MaxRetries        int        `json:"maxRetries"`
	BytesProcessed    int64      `json:"bytesProcessed"`
	RecordsProcessed  int64      `json:"recordsProcessed"`
	ResultSource      string     `json:"resultSource,omitempty"`
	Resumes           int        `json:"resumes,omitempty"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	Steps             []stepView `json:"steps,omitempty"`
}

type stepView struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func newRunView(r *store.Run, steps []store.Step) runView {
	v := runView{
		ID:                r.ID,
		TenantID:          r.TenantID,
		Status:            string(r.Status),
		OperationType:     r.OperationType,
		QueryType:         r.QueryType,
		RemoteOperationID: r.RemoteOperationID,
		RetryCount:        r.RetryCount,
		MaxRetries:        r.MaxRetries,
		BytesProcessed:    r.BytesProcessed,
		RecordsProcessed:  r.RecordsProcessed,
		Error:             r.ErrorMessage,
		CreatedAt:         r.CreatedAt,
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
	}
	if in := r.CursorState.Ingest; in != nil {
		v.ResultSource = in.ResultSource
		v.Resumes = in.Resumes
	}
	for _, s := range steps {
		v.Steps = append(v.Steps, stepView{Name: s.Name, Status: s.Status, Error: s.Error, CreatedAt: s.CreatedAt})
	}
	return v
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(store.StatusCompleted):
		return lipgloss.NewStyle().Foreground(colorGreen)
	case string(store.StatusFailed):
		return lipgloss.NewStyle().Foreground(colorRed)
	case string(store.StatusRunning), string(store.StatusPending):
		return lipgloss.NewStyle().Foreground(colorYellow)
	}
	return lipgloss.NewStyle()
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// renderRun prints one run with its audit steps.
func renderRun(w io.Writer, v runView) {
	fmt.Fprintln(w, styleTitle.Render("Run "+v.ID))
	field := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintln(w, styleLabel.Render(label)+value)
	}
	field("Tenant", v.TenantID)
	field("Status", statusStyle(v.Status).Render(v.Status))
	field("Operation", v.OperationType)
	field("Query", v.QueryType)
	field("Remote op", v.RemoteOperationID)
	field("Source", v.ResultSource)
	field("Retries", fmt.Sprintf("%d/%d", v.RetryCount, v.MaxRetries))
	field("Bytes", formatBytes(v.BytesProcessed))
	field("Records", fmt.Sprintf("%d", v.RecordsProcessed))
	if v.Resumes > 0 {
		field("Resumes", fmt.Sprintf("%d", v.Resumes))
	}
	field("Created", v.CreatedAt.Local().Format(timeLayout))
	field("Started", formatTimePtr(v.StartedAt))
	field("Completed", formatTimePtr(v.CompletedAt))
	if v.Error != "" {
		field("Error", styleError.Render(v.Error))
	}

	if len(v.Steps) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, styleHeader.Render(fmt.Sprintf("%-20s %-10s %-10s %s", "Time", "Step", "Status", "Error")))
	for _, s := range v.Steps {
		status := statusStyle(s.Status).Render(fmt.Sprintf("%-10s", s.Status))
		fmt.Fprintf(w, "%-20s %-10s %s %s\n", s.CreatedAt.Local().Format(timeLayout), s.Name, status, s.Error)
	}
}

// renderHistory prints a table of runs, newest first.
func renderHistory(w io.Writer, tenantID string, runs []runView) {
	if len(runs) == 0 {
		fmt.Fprintf(w, "No runs found for tenant %s\n", tenantID)
		return
	}
	fmt.Fprintln(w, styleTitle.Render("Runs for "+tenantID))
	fmt.Fprintln(w, styleHeader.Render(fmt.Sprintf("%-36s %-10s %-16s %-20s %10s %s", "ID", "Status", "Operation", "Created", "Bytes", "Error")))
	for _, r := range runs {
		status := statusStyle(r.Status).Render(fmt.Sprintf("%-10s", r.Status))
		errMsg := strings.ReplaceAll(strings.TrimSpace(r.Error), "\n", " ")
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(w, "%-36s %s %-16s %-20s %10s %s\n",
			r.ID,
			status,
			r.OperationType,
			r.CreatedAt.Local().Format(timeLayout),
			formatBytes(r.BytesProcessed),
			errMsg)
	}
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format(timeLayout)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
