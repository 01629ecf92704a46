package model

type ThreadResponse struct {
	ThreadID string `json:"threadId"`
}

type AssistantResponse struct {
	AssistantID string `json:"assistantId"`
}

type ChatConfigResponse struct {
	Starters     []string `json:"starters"`
	WelcomeBlurb string   `json:"welcome_blurb"`
	WelcomeAudio string   `json:"welcome_audio"`
}

type UploadResponse struct {
	FileID string `json:"file_id"`
}

type TranscriptionResponse struct {
	Text string `json:"text"`
}

type RecordingResponse struct {
	RecordingID string `json:"recording_id"`
}

type TranscriptResponse struct {
	ThreadID    string    `json:"thread_id"`
	Messages    []Message `json:"messages"`
	Responding  bool      `json:"responding"`
	InputLocked bool      `json:"input_locked"`
}
