package models

import "time"

// RoomInfo summarizes who is present in a room
type RoomInfo struct {
	ID            string    `json:"id"`
	HostConnected bool      `json:"hostConnected"`
	Guests        []string  `json:"guests"`
	LastSeen      time.Time `json:"lastSeen"`
}

// CreateRoomResponse is the response for reserving a room code
type CreateRoomResponse struct {
	RoomID  string `json:"roomId"`
	JoinURL string `json:"joinUrl,omitempty"`
}
