// Package joinlink builds and parses the human-shared links that invite a
// guest into a room, and issues room codes.
package joinlink

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
)

const (
	// CallPath is the fixed path join links point at.
	CallPath = "/call"

	DefaultName = "Guest"
	DefaultLang = "en"

	roomCodeLength = 6
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// ErrMissingRoom is returned when a link carries no room code.
var ErrMissingRoom = errors.New("join link has no room")

// Link is a parsed join link.
type Link struct {
	Room string
	Host bool
	Name string // Display name the invited guest joins under
	Lang string // Language the invited guest speaks
}

// Build returns a guest join link for room under base. Empty name or lang
// are left out and take their defaults when parsed.
func Build(base, room, name, lang string) string {
	query := url.Values{}
	query.Set("room", room)
	query.Set("host", "false")
	if name != "" {
		query.Set("name", name)
	}
	if lang != "" {
		query.Set("lang", lang)
	}
	return strings.TrimRight(base, "/") + CallPath + "?" + query.Encode()
}

// Parse extracts the four join-link fields from raw, defaulting missing
// name and lang.
func Parse(raw string) (Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Link{}, fmt.Errorf("parse join link: %w", err)
	}
	query := u.Query()

	link := Link{
		Room: strings.TrimSpace(query.Get("room")),
		Name: query.Get("name"),
		Lang: query.Get("lang"),
	}
	if link.Room == "" {
		return Link{}, ErrMissingRoom
	}
	if host, err := strconv.ParseBool(query.Get("host")); err == nil {
		link.Host = host
	}
	if link.Name == "" {
		link.Name = DefaultName
	}
	if link.Lang == "" {
		link.Lang = DefaultLang
	}
	return link, nil
}

// NewRoomCode returns a random six character room code.
func NewRoomCode() (string, error) {
	code := make([]byte, roomCodeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		code[i] = codeChars[num.Int64()]
	}
	return string(code), nil
}
