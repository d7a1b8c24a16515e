package handler

import (
	"time"

	"rcm-audit/internal/audit"
)

type timelineResponse struct {
	ResourceType string        `json:"resourceType"`
	ResourceID   string        `json:"resourceId"`
	Events       []audit.Event `json:"events"`
	Count        int           `json:"count"`
}

type anomaliesResponse struct {
	Findings  []audit.Finding `json:"findings"`
	Count     int             `json:"count"`
	ScannedAt time.Time       `json:"scannedAt"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}
