package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/solanum-downloader/pkg/config"
	"github.com/Sriram-PR/solanum-downloader/pkg/orchestrate"
)

const (
	serverName    = "solanum-downloader"
	serverVersion = "1.0.0"
)

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig    *config.AppConfig
	ConfigPath   string
	Transport    string // "stdio" or "sse"
	Port         int
	Logger       *logrus.Logger
	Orchestrator *orchestrate.Orchestrator
}

// Server exposes download batches and URL resolution as MCP tools
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	log        *logrus.Entry
	jobManager *JobManager
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("Orchestrator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		cfg:        cfg,
		log:        cfg.Logger.WithField("component", "mcp"),
		jobManager: NewJobManager(),
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	downloadTool := mcp.NewTool("download_images",
		mcp.WithDescription("Start a background batch that downloads every image listed in the given CSV files. Returns immediately with a job ID."),
		mcp.WithString("csv_paths",
			mcp.Required(),
			mcp.Description("Comma-separated paths of CSV files with columns id, species, url, section, source"),
		),
		mcp.WithString("destination",
			mcp.Description("Destination folder (defaults to the configured destination)"),
		),
		mcp.WithBoolean("overwrite",
			mcp.Description("Download again even when a matching file already exists"),
		),
	)
	s.mcpServer.AddTool(downloadTool, s.handleDownloadImages)

	getJobStatusTool := mcp.NewTool("get_job_status",
		mcp.WithDescription("Get the status and progress of a download job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by download_images"),
		),
	)
	s.mcpServer.AddTool(getJobStatusTool, s.handleGetJobStatus)

	listJobsTool := mcp.NewTool("list_jobs",
		mcp.WithDescription("List all download jobs of this server, newest first"),
	)
	s.mcpServer.AddTool(listJobsTool, s.handleListJobs)

	cancelJobTool := mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a pending or running download job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by download_images"),
		),
	)
	s.mcpServer.AddTool(cancelJobTool, s.handleCancelJob)

	resolveTool := mcp.NewTool("resolve_url",
		mcp.WithDescription("Find the direct image URL and extension behind a location URL without downloading it"),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The location URL from an input row"),
		),
	)
	s.mcpServer.AddTool(resolveTool, s.handleResolveURL)

	failuresTool := mcp.NewTool("get_failures",
		mcp.WithDescription("Read the failure report of a destination folder"),
		mcp.WithString("destination",
			mcp.Description("Destination folder (defaults to the configured destination)"),
		),
		mcp.WithNumber("max_results",
			mcp.Description("Maximum number of rows to return (default: 50, max: 1000)"),
		),
	)
	s.mcpServer.AddTool(failuresTool, s.handleGetFailures)

	s.log.Infof("Registered %d MCP tools", 6)
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels running jobs
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobManager.CancelAll()
	return nil
}
