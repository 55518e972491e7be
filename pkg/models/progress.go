package models

// ProgressType identifies what a progress event carries.
type ProgressType string

const (
	ProgressUpdate   ProgressType = "progress"
	ProgressComplete ProgressType = "complete"
	ProgressError    ProgressType = "error"
)

// ProgressEvent is emitted by a worker during or after job execution and is
// addressed to the channel that originated the job.
type ProgressEvent struct {
	JobID    string       `json:"jobId"`
	Type     ProgressType `json:"type"`
	Message  string       `json:"message,omitempty"`
	Result   string       `json:"result,omitempty"`
	FilePath string       `json:"filePath,omitempty"`
	Caption  string       `json:"caption,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// ChannelEvent pairs a progress event with its destination channel.
type ChannelEvent struct {
	ChannelID string        `json:"channelId"`
	Event     ProgressEvent `json:"event"`
}
