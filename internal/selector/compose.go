package selector

import (
	"sort"
	"strings"

	"castbot/internal/domain"
)

// piece lets media and copy items compete in one weighted draw.
type piece struct {
	media *domain.MediaItem
	copy  *domain.CopyItem
}

func (p piece) ItemWeight() int {
	if p.media != nil {
		return p.media.Weight
	}
	if p.copy != nil {
		return p.copy.Weight
	}
	return 0
}

// Regular composes a scheduled post: exactly one media item or one copy item,
// chosen in proportion to weight across both pools, plus buttons.
func (s *Selector) Regular(c domain.CategoryContent) domain.Payload {
	pool := make([]piece, 0, len(c.Media)+len(c.Copy))
	for i := range c.Media {
		pool = append(pool, piece{media: &c.Media[i]})
	}
	for i := range c.Copy {
		pool = append(pool, piece{copy: &c.Copy[i]})
	}

	var p domain.Payload
	if got, ok := pickOne(s, pool); ok {
		if got.media != nil {
			m := *got.media
			p.Media = &m
		} else {
			cp := *got.copy
			p.Copy = &cp
		}
	}
	p.Buttons = s.Buttons(c)
	if p.Media != nil {
		p.Spoiler = c.Spoiler
	}
	return p
}

// Welcome composes a greeting for new members filtered by the category welcome mode.
func (s *Selector) Welcome(c domain.CategoryContent) domain.Payload {
	mode := c.Welcome.Mode
	if mode == "" {
		mode = domain.WelcomeAll
	}
	var p domain.Payload
	switch mode {
	case domain.WelcomeNone:
		return p
	case domain.WelcomeText:
		p.Copy = s.welcomeCopy(c)
	case domain.WelcomeMedia:
		p.Media = s.media(c)
	case domain.WelcomeButtons:
		p.Buttons = s.Buttons(c)
	default:
		p.Media = s.media(c)
		p.Copy = s.welcomeCopy(c)
		p.Buttons = s.Buttons(c)
	}
	if p.Media != nil {
		p.Spoiler = c.Spoiler
	}
	return p
}

// Buttons returns all active buttons ordered by weight when no cap is set,
// otherwise a weighted sample of ButtonCap buttons.
func (s *Selector) Buttons(c domain.CategoryContent) []domain.Button {
	if c.ButtonCap > 0 {
		return sampleLocked(s, c.Buttons, c.ButtonCap)
	}
	out := make([]domain.Button, 0, len(c.Buttons))
	for _, b := range c.Buttons {
		if b.Weight > 0 {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].ID < out[j].ID
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *Selector) media(c domain.CategoryContent) *domain.MediaItem {
	m, ok := pickOne(s, c.Media)
	if !ok {
		return nil
	}
	return &m
}

func (s *Selector) welcomeCopy(c domain.CategoryContent) *domain.CopyItem {
	if t := strings.TrimSpace(c.Welcome.Text); t != "" {
		return &domain.CopyItem{Text: t, Weight: 1}
	}
	cp, ok := pickOne(s, c.Copy)
	if !ok {
		return nil
	}
	return &cp
}
