package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"math"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

const (
	ExportJSON = "json"
	ExportCSV  = "csv"
)

// Stats summarizes the board or one owner's share of it.
type Stats struct {
	TotalTasks            int            `json:"total_tasks"`
	ByStatus              map[string]int `json:"by_status"`
	ByType                map[string]int `json:"by_type"`
	ByProcessing          map[string]int `json:"by_processing"`
	CompletionRate        float64        `json:"completion_rate"`
	AverageCompletionTime *float64       `json:"average_completion_time"`
}

// Stats computes task statistics. A nil ownerID covers every task. Average
// completion time is in hours.
func (s *Tasks) Stats(ctx context.Context, ownerID *int64) (Stats, error) {
	tasks, err := s.ownedTasks(ctx, ownerID)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		TotalTasks:   len(tasks),
		ByStatus:     make(map[string]int),
		ByType:       make(map[string]int),
		ByProcessing: make(map[string]int),
	}
	if len(tasks) == 0 {
		return st, nil
	}

	var hours float64
	var completed int
	for _, t := range tasks {
		st.ByStatus[t.Status]++
		st.ByType[domain.BaseTaskType(t.TaskType)]++
		st.ByProcessing[t.Processing]++
		if t.Status == domain.StatusDone && t.CompletedAt != nil {
			hours += t.CompletedAt.Sub(t.CreatedAt).Hours()
			completed++
		}
	}
	st.CompletionRate = round2(float64(st.ByStatus[domain.StatusDone]) / float64(len(tasks)) * 100)
	if completed > 0 {
		avg := round2(hours / float64(completed))
		st.AverageCompletionTime = &avg
	}
	return st, nil
}

type exportRow struct {
	ID          int64   `json:"id"`
	CustomID    string  `json:"custom_id"`
	ClientName  string  `json:"client_name"`
	TaskType    string  `json:"task_type"`
	Address     *string `json:"address"`
	Processing  string  `json:"processing"`
	Status      string  `json:"status"`
	Description *string `json:"description"`
	CreatedAt   *string `json:"created_at"`
	UpdatedAt   *string `json:"updated_at"`
	CompletedAt *string `json:"completed_at"`
}

var csvHeader = []string{
	"ID", "Client Name", "Task Type", "Address", "Processing",
	"Status", "Description", "Created At", "Updated At", "Completed At",
}

// Export renders the tasks owned by ownerID as JSON or CSV and returns the
// payload with its content type.
func (s *Tasks) Export(ctx context.Context, ownerID int64, format string) ([]byte, string, error) {
	if format != ExportJSON && format != ExportCSV {
		return nil, "", domain.NewValidationError("format", "unsupported export format: "+format)
	}
	tasks, err := s.ownedTasks(ctx, &ownerID)
	if err != nil {
		return nil, "", err
	}

	rows := make([]exportRow, len(tasks))
	for i, t := range tasks {
		created := t.CreatedAt
		rows[i] = exportRow{
			ID:          t.ID,
			CustomID:    t.CustomID,
			ClientName:  t.ClientName,
			TaskType:    t.TaskType,
			Address:     t.Address,
			Processing:  t.Processing,
			Status:      t.Status,
			Description: t.Description,
			CreatedAt:   isoTime(&created),
			UpdatedAt:   isoTime(t.UpdatedAt),
			CompletedAt: isoTime(t.CompletedAt),
		}
	}

	if format == ExportJSON {
		data, err := sonic.ConfigStd.MarshalIndent(rows, "", "  ")
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, r := range rows {
		record := []string{
			strconv.FormatInt(r.ID, 10),
			r.ClientName,
			r.TaskType,
			deref(r.Address),
			r.Processing,
			r.Status,
			deref(r.Description),
			deref(r.CreatedAt),
			deref(r.UpdatedAt),
			deref(r.CompletedAt),
		}
		if err := w.Write(record); err != nil {
			return nil, "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "text/csv", nil
}

func (s *Tasks) ownedTasks(ctx context.Context, ownerID *int64) ([]domain.Task, error) {
	all, err := s.repo.ListTasks(ctx, domain.TaskFilter{})
	if err != nil {
		return nil, err
	}
	if ownerID == nil {
		return all, nil
	}
	owned := all[:0]
	for _, t := range all {
		if t.OwnerID == *ownerID {
			owned = append(owned, t)
		}
	}
	return owned, nil
}

func isoTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
