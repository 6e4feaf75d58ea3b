package queue

const (
	TypeSourceProcess = "source:process"
	TypeSourceReap    = "source:reap"
)

type SourceProcessPayload struct {
	SourceID   string `json:"source_id"`
	BusinessID string `json:"business_id"`
}
