package dto

import (
	"github.com/cuongbtq/transcode-worker/internal/profile"
	"github.com/cuongbtq/transcode-worker/internal/registry"
	"github.com/cuongbtq/transcode-worker/internal/worker"
)

type ListJobsRequest struct {
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []worker.JobStatus `json:"jobs"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// ReplayResponse is returned once a request was put back on the primary queue
type ReplayResponse struct {
	JobID   string `json:"job_id"`
	VideoID string `json:"video_id"`
	Profile string `json:"profile"`
	Status  string `json:"status"`
}

type ListProfilesResponse struct {
	Profiles []profile.Profile `json:"profiles"`
}

type ListNodesResponse struct {
	Nodes []registry.Node `json:"nodes"`
}

type VideoDTO struct {
	VideoID       string            `json:"video_id"`
	Status        string            `json:"transcode_status"`
	TranscodedURL map[string]string `json:"transcoded_url"`
	ThumbnailURL  string            `json:"thumbnail_url,omitempty"`
	Error         string            `json:"transcode_error,omitempty"`
}
