package protocol

// Response data.message values.
const (
	MessageCameraList            = "camera_list"
	MessageSubscriptionConfirmed = "subscription_confirmed"
	MessageUnsubscribed          = "unsubscribed"
	MessageVideoFrame            = "video_frame"
	MessageScreenshotCaptured    = "screenshot_captured"
	MessageCommandAck            = "command_ack"
	MessageError                 = "error"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// CameraDescriptor is the static camera metadata merged with live
// capture statistics, as reported by get_camera_list.
type CameraDescriptor struct {
	CameraID       uint32  `json:"camera_id"`
	Name           string  `json:"name"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	FPS            int     `json:"fps"`
	Quality        int     `json:"quality"`
	IsActive       bool    `json:"is_active"`
	State          string  `json:"state"`
	FramesCaptured int64   `json:"frames_captured"`
	CaptureErrors  int64   `json:"capture_errors"`
	ActualFPS      float64 `json:"actual_fps"`
	LastFrameAt    float64 `json:"last_frame_at,omitempty"`
}

type CameraListResponse struct {
	Message string             `json:"message"`
	Status  string             `json:"status"`
	Cameras []CameraDescriptor `json:"cameras"`
}

type SubscriptionConfirmed struct {
	Message   string   `json:"message"`
	Status    string   `json:"status"`
	SessionID string   `json:"session_id"`
	CameraIDs []uint32 `json:"camera_ids"`
	Rejected  []uint32 `json:"rejected_camera_ids,omitempty"`
}

type Unsubscribed struct {
	Message   string `json:"message"`
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// VideoFrame carries one JPEG frame, base64 encoded in FrameData.
type VideoFrame struct {
	Message   string  `json:"message"`
	CameraID  uint32  `json:"camera_id"`
	FrameID   uint64  `json:"frame_id"`
	Timestamp float64 `json:"timestamp"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Quality   int     `json:"quality"`
	Size      int     `json:"size"`
	FrameData string  `json:"frame_data"`
}

type ScreenshotCaptured struct {
	Message   string  `json:"message"`
	Status    string  `json:"status"`
	CameraID  uint32  `json:"camera_id"`
	Timestamp float64 `json:"timestamp"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Filename  string  `json:"filename,omitempty"`
	ImageData string  `json:"image_data"`
}

type CommandAck struct {
	Message     string `json:"message"`
	Status      string `json:"status"`
	CommandType string `json:"command_type"`
	Target      string `json:"target"`
	SessionID   string `json:"session_id,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// ErrorResponse is sent for well-formed, authenticated requests that
// cannot be served. Malformed or unauthenticated input gets no reply.
type ErrorResponse struct {
	Message     string `json:"message"`
	Status      string `json:"status"`
	RequestType string `json:"request_type,omitempty"`
	Error       string `json:"error"`
}

// NewError builds an ErrorResponse for the given request kind.
func NewError(requestType, reason string) ErrorResponse {
	return ErrorResponse{
		Message:     MessageError,
		Status:      StatusError,
		RequestType: requestType,
		Error:       reason,
	}
}
