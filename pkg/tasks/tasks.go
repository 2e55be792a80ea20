// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// ChatPurgeTask asks the purge pipeline to remove messages left behind by a
// chat deletion whose second half failed.
type ChatPurgeTask struct {
	ChatID  string `json:"chat_id"`
	OwnerID uint   `json:"owner_id"`
}

// Key identifies the task for attempt counting and partitioning.
func (t ChatPurgeTask) Key() string {
	return "chat:" + t.ChatID
}
