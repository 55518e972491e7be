package models

import (
	"net"
	"strconv"
	"time"
)

// ProcessType classifies a registered process.
type ProcessType string

const (
	ProcessNode      ProcessType = "node"
	ProcessWorker    ProcessType = "worker"
	ProcessDashboard ProcessType = "dashboard"
)

// ProcessRecord advertises a running process and how to reach it.
type ProcessRecord struct {
	ID          string      `json:"id"`
	Type        ProcessType `json:"type"`
	Host        string      `json:"host"`
	Port        int         `json:"port"`
	Hostname    string      `json:"hostname"`
	StartedAt   time.Time   `json:"startedAt"`
	Version     string      `json:"version"`
	Concurrency int         `json:"concurrency,omitempty"`
	AuthToken   string      `json:"authToken,omitempty"`
}

// BaseURL returns the http base address advertised by the record.
func (p ProcessRecord) BaseURL() string {
	return "http://" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
