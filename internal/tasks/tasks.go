// Package tasks defines the background task types shared by the server and the worker.
package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TypeRoomReap deletes a room that is still empty when the task runs.
	TypeRoomReap = "room:reap"

	QueueDefault = "default"
)

// RoomReapPayload is the body of a TypeRoomReap task.
type RoomReapPayload struct {
	RoomID string `json:"roomId"`
}

// NewRoomReapTask builds the reap task for roomID.
func NewRoomReapTask(roomID string) (*asynq.Task, error) {
	payload, err := json.Marshal(RoomReapPayload{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRoomReap, payload), nil
}

// ParseRoomReap decodes the payload of a TypeRoomReap task.
func ParseRoomReap(t *asynq.Task) (RoomReapPayload, error) {
	var p RoomReapPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", t.Type(), err)
	}
	if p.RoomID == "" {
		return p, fmt.Errorf("%s payload without room id", t.Type())
	}
	return p, nil
}

// ReapTaskID dedupes reap tasks: at most one is pending per room.
func ReapTaskID(roomID string) string {
	return "reap:" + roomID
}
