package domain

import "strings"

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAnimation MediaKind = "animation"
)

func ParseMediaKind(s string) (MediaKind, bool) {
	switch MediaKind(strings.ToLower(strings.TrimSpace(s))) {
	case MediaPhoto:
		return MediaPhoto, true
	case MediaVideo:
		return MediaVideo, true
	case MediaDocument:
		return MediaDocument, true
	case MediaAnimation, "gif":
		return MediaAnimation, true
	default:
		return "", false
	}
}

type MediaItem struct {
	ID      int64     `json:"id"`
	Kind    MediaKind `json:"kind"`
	FileID  string    `json:"file_id"`
	Caption string    `json:"caption,omitempty"`
	Weight  int       `json:"weight"`
}

type CopyItem struct {
	ID     int64  `json:"id"`
	Text   string `json:"text"`
	Weight int    `json:"weight"`
}

type Button struct {
	ID     int64  `json:"id"`
	Label  string `json:"label"`
	URL    string `json:"url"`
	Weight int    `json:"weight"`
}

func (m MediaItem) ItemWeight() int { return m.Weight }
func (c CopyItem) ItemWeight() int  { return c.Weight }
func (b Button) ItemWeight() int    { return b.Weight }

type WelcomeMode string

const (
	WelcomeAll     WelcomeMode = "all"
	WelcomeText    WelcomeMode = "text"
	WelcomeMedia   WelcomeMode = "media"
	WelcomeButtons WelcomeMode = "buttons"
	WelcomeNone    WelcomeMode = "none"
)

// ParseWelcomeMode maps a stored mode to a WelcomeMode. Unknown values fall back to all.
func ParseWelcomeMode(s string) WelcomeMode {
	switch WelcomeMode(strings.ToLower(strings.TrimSpace(s))) {
	case WelcomeText:
		return WelcomeText
	case WelcomeMedia:
		return WelcomeMedia
	case WelcomeButtons:
		return WelcomeButtons
	case WelcomeNone, "off":
		return WelcomeNone
	default:
		return WelcomeAll
	}
}

type WelcomeConfig struct {
	Mode WelcomeMode `json:"mode"`
	// Text replaces the weighted copy pick when set.
	Text string `json:"text,omitempty"`
}

// CategoryContent is everything the selector needs to build a payload for one category.
type CategoryContent struct {
	Slug     string        `json:"slug"`
	Name     string        `json:"name"`
	Schedule string        `json:"schedule,omitempty"`
	Media    []MediaItem   `json:"media"`
	Copy     []CopyItem    `json:"copy"`
	Buttons  []Button      `json:"buttons"`
	Welcome  WelcomeConfig `json:"welcome"`
	// ButtonCap limits buttons per message to a weighted sample. Zero sends all active buttons.
	ButtonCap int  `json:"button_cap,omitempty"`
	Spoiler   bool `json:"spoiler,omitempty"`
}

// Payload is the content of one outgoing message.
// Media and Copy are mutually exclusive for regular posts.
type Payload struct {
	Media   *MediaItem `json:"media,omitempty"`
	Copy    *CopyItem  `json:"copy,omitempty"`
	Buttons []Button   `json:"buttons,omitempty"`
	Spoiler bool       `json:"spoiler,omitempty"`
}

func (p Payload) IsEmpty() bool {
	return p.Media == nil && p.Copy == nil && len(p.Buttons) == 0
}

// Text returns the message text: the copy text, else the media caption.
func (p Payload) Text() string {
	if p.Copy != nil && strings.TrimSpace(p.Copy.Text) != "" {
		return p.Copy.Text
	}
	if p.Media != nil {
		return p.Media.Caption
	}
	return ""
}
