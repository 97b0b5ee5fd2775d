package mcp

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Sriram-PR/solanum-downloader/pkg/download"
	"github.com/Sriram-PR/solanum-downloader/pkg/orchestrate"
	"github.com/Sriram-PR/solanum-downloader/pkg/report"
	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

// handleDownloadImages handles the download_images tool
func (s *Server) handleDownloadImages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	csvPaths := splitPaths(request.GetString("csv_paths", ""))
	if len(csvPaths) == 0 {
		return mcp.NewToolResultError("csv_paths parameter is required"), nil
	}
	for _, p := range csvPaths {
		if _, err := os.Stat(p); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cannot read CSV file %s: %v", p, err)), nil
		}
	}

	destination := s.destination(request.GetString("destination", ""))
	overwrite := request.GetBool("overwrite", false)

	job, created := s.jobManager.CreateJob(destination, csvPaths, overwrite)
	if !created {
		result := map[string]interface{}{
			"status":      "already_running",
			"message":     "A download batch is already in progress for this destination",
			"job_id":      job.ID,
			"destination": destination,
		}
		return mcp.NewToolResultText(formatJSON(result)), nil
	}

	go s.runDownloadJob(job)

	result := map[string]interface{}{
		"status":      "started",
		"message":     "Download batch started",
		"job_id":      job.ID,
		"destination": destination,
		"csv_paths":   csvPaths,
		"overwrite":   overwrite,
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job := s.jobManager.GetJob(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}
	return mcp.NewToolResultText(formatJSON(jobInfo(job))), nil
}

// handleListJobs handles the list_jobs tool
func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs := s.jobManager.ListJobs()
	infos := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		infos = append(infos, jobInfo(job))
	}
	result := map[string]interface{}{
		"jobs":       infos,
		"total_jobs": len(infos),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleCancelJob handles the cancel_job tool
func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	if s.jobManager.GetJob(jobID) == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	cancelled := s.jobManager.CancelJob(jobID)
	result := map[string]interface{}{
		"job_id":    jobID,
		"cancelled": cancelled,
	}
	if !cancelled {
		result["message"] = "job is not running"
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleResolveURL handles the resolve_url tool
func (s *Server) handleResolveURL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	locationURL := request.GetString("url", "")
	if locationURL == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}

	startTime := time.Now()
	res, err := s.cfg.Orchestrator.Resolver().Resolve(ctx, locationURL)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("could not resolve %s (%s): %v", locationURL, utils.CategorizeError(err), err)), nil
	}

	result := map[string]interface{}{
		"url":             locationURL,
		"final_url":       res.URL,
		"extension":       res.Extension,
		"tier":            res.Tier.String(),
		"resolve_time_ms": time.Since(startTime).Milliseconds(),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetFailures handles the get_failures tool
func (s *Server) handleGetFailures(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	destination := s.destination(request.GetString("destination", ""))
	maxResults := request.GetInt("max_results", 50)
	if maxResults <= 0 {
		maxResults = 50
	}
	if maxResults > 1000 {
		maxResults = 1000
	}

	reportPath := filepath.Join(destination, s.cfg.AppConfig.GetEffectiveFailureReportFilename())
	rows, total, byCategory, err := readFailureReport(reportPath, maxResults)
	if errors.Is(err, os.ErrNotExist) {
		result := map[string]interface{}{
			"destination":    destination,
			"report_path":    reportPath,
			"total_failures": 0,
			"failures":       []map[string]string{},
		}
		return mcp.NewToolResultText(formatJSON(result)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read %s: %v", reportPath, err)), nil
	}

	result := map[string]interface{}{
		"destination":    destination,
		"report_path":    reportPath,
		"total_failures": total,
		"by_error":       byCategory,
		"failures":       rows,
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// runDownloadJob runs a download batch in the background
func (s *Server) runDownloadJob(job *Job) {
	s.jobManager.UpdateStatus(job.ID, JobStatusRunning, "")
	jobCtx := s.jobManager.GetContext(job.ID)

	result := s.cfg.Orchestrator.RunBatch(jobCtx, orchestrate.BatchRequest{
		CSVPaths:    job.CSVPaths,
		Destination: job.Destination,
		Overwrite:   job.Overwrite,
		OnProgress: func(progress download.Summary) {
			s.jobManager.UpdateProgress(job.ID, progress)
		},
	})
	s.jobManager.UpdateProgress(job.ID, result.Summary)

	switch {
	case result.Error == nil:
		s.log.WithField("job_id", job.ID).Info(orchestrate.Describe(result))
		s.jobManager.UpdateStatus(job.ID, JobStatusCompleted, "")
	case errors.Is(result.Error, context.Canceled):
		s.jobManager.UpdateStatus(job.ID, JobStatusCancelled, "")
	default:
		s.jobManager.UpdateStatus(job.ID, JobStatusFailed, result.Error.Error())
	}
}

func (s *Server) destination(requested string) string {
	if strings.TrimSpace(requested) == "" {
		requested = s.cfg.AppConfig.Destination
	}
	return filepath.Clean(requested)
}

func jobInfo(job *Job) map[string]interface{} {
	info := map[string]interface{}{
		"job_id":      job.ID,
		"destination": job.Destination,
		"csv_paths":   job.CSVPaths,
		"status":      job.Status,
		"started_at":  job.StartedAt.Format(time.RFC3339),
		"progress":    job.Progress,
		"overwrite":   job.Overwrite,
	}
	if !job.CompletedAt.IsZero() {
		info["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		info["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
	}
	if job.ErrorMessage != "" {
		info["error_message"] = job.ErrorMessage
	}
	return info
}

// splitPaths splits a comma-separated list, dropping blanks
func splitPaths(raw string) []string {
	var paths []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// readFailureReport returns up to maxResults rows keyed by column name, plus the
// total row count and a count per error category.
func readFailureReport(path string, maxResults int) ([]map[string]string, int, map[string]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("header: %w", err)
	}
	if len(header) != len(report.Header) {
		return nil, 0, nil, fmt.Errorf("unexpected header %v", header)
	}
	header[0] = "row"

	rows := make([]map[string]string, 0)
	byCategory := make(map[string]int)
	total := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, nil, err
		}
		total++
		byCategory[record[len(record)-1]]++
		if len(rows) < maxResults {
			row := make(map[string]string, len(header))
			for i, col := range header {
				row[col] = record[i]
			}
			rows = append(rows, row)
		}
	}
	return rows, total, byCategory, nil
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
