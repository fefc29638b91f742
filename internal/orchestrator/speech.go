package orchestrator

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/livecall/internal/models"
	"github.com/mossy-p/livecall/internal/translator"
)

// Speak records a local utterance, sends it to every open link and
// translates it once for each distinct language the remotes speak.
func (s *Session) Speak(text string) {
	s.post(func() { s.speak(text) })
}

// SetLanguage changes the local language and announces it to every open
// link.
func (s *Session) SetLanguage(lang string) {
	s.post(func() {
		s.lang = lang
		for _, r := range s.remotes {
			s.sendTo(r, models.Message{Type: models.MessagePresence, Name: s.opts.Name, Lang: lang})
		}
	})
}

func (s *Session) speak(text string) {
	text = strings.TrimSpace(text)
	if text == "" || !s.alive {
		return
	}

	entry := models.TranscriptEntry{
		ID:           uuid.NewString(),
		Speaker:      s.opts.Name,
		OriginalText: text,
		SourceLang:   s.lang,
		Timestamp:    time.Now(),
		Local:        true,
	}
	s.transcript = append(s.transcript, entry)
	s.publishTranscript()

	for _, r := range s.remotes {
		s.sendTo(r, models.Message{
			Type: models.MessageSpeech,
			ID:   entry.ID,
			Text: text,
			Name: s.opts.Name,
			Lang: s.lang,
		})
	}

	epoch, ctx, source := s.epoch, s.epochCtx, s.lang
	for _, target := range s.targetLanguages() {
		go func(target string) {
			translated := s.opts.Translator.Translate(ctx, text, source, target)
			s.postEpoch(epoch, func() { s.onLocalTranslation(entry.ID, target, translated) })
		}(target)
	}
}

// targetLanguages lists the distinct languages local speech is translated
// into, skipping remotes that share the local language.
func (s *Session) targetLanguages() []string {
	var langs []string
	add := func(lang string) {
		if lang == "" || translator.SameLanguage(lang, s.lang) {
			return
		}
		for _, existing := range langs {
			if translator.SameLanguage(existing, lang) {
				return
			}
		}
		langs = append(langs, lang)
	}

	for _, r := range s.remotes {
		add(s.remoteLang(r))
	}
	if len(s.remotes) == 0 {
		add(s.opts.PeerLang)
	}
	return langs
}

func (s *Session) remoteLang(r *remote) string {
	if r.lang != "" {
		return r.lang
	}
	return s.opts.PeerLang
}

func (s *Session) onLocalTranslation(id, target, translated string) {
	i := s.findEntry("", id, true)
	if i < 0 {
		return
	}
	if s.transcript[i].TranslatedText == "" {
		updated := s.transcript[i]
		updated.TranslatedText = translated
		s.transcript[i] = updated
		s.publishTranscript()
	}

	for _, r := range s.remotes {
		if !translator.SameLanguage(s.remoteLang(r), target) {
			continue
		}
		s.sendTo(r, models.Message{Type: models.MessageTranslation, ID: id, Text: translated, Lang: target})
	}
}

func (s *Session) sendTo(r *remote, msg models.Message) {
	if r.link == nil || !r.channelOpen {
		return
	}
	if err := r.link.Send(msg); err != nil {
		s.logger.Debug("data channel send failed", "peer", r.id, "type", msg.Type, "error", err)
	}
}

func (s *Session) onMessage(r *remote, msg models.Message) {
	switch msg.Type {
	case models.MessagePresence, models.MessageJoin:
		if msg.Name != "" {
			r.name = msg.Name
		}
		if msg.Lang != "" {
			r.lang = msg.Lang
		}
		s.publishLinks()
		if msg.Type == models.MessageJoin {
			s.sendTo(r, models.Message{Type: models.MessagePresence, Name: s.opts.Name, Lang: s.lang})
		}

	case models.MessageSpeech:
		if msg.Lang != "" && r.lang == "" {
			r.lang = msg.Lang
		}
		id := msg.ID
		if id == "" {
			id = uuid.NewString()
		} else if i := s.findEntry(r.id, id, false); i >= 0 {
			// A translation may land before its speech.
			if s.transcript[i].OriginalText == "" {
				updated := s.transcript[i]
				updated.OriginalText = msg.Text
				updated.Speaker = s.speakerName(r, msg)
				s.transcript[i] = updated
				s.publishTranscript()
			}
			return
		}
		s.transcript = append(s.transcript, models.TranscriptEntry{
			ID:           id,
			PeerID:       r.id,
			Speaker:      s.speakerName(r, msg),
			OriginalText: msg.Text,
			SourceLang:   s.remoteLang(r),
			Timestamp:    time.Now(),
		})
		s.publishTranscript()

	case models.MessageTranslation:
		var i int
		if msg.ID != "" {
			i = s.findEntry(r.id, msg.ID, false)
		} else {
			i = s.latestUntranslated(r.id)
		}
		if i < 0 {
			id := msg.ID
			if id == "" {
				id = uuid.NewString()
			}
			s.transcript = append(s.transcript, models.TranscriptEntry{
				ID:             id,
				PeerID:         r.id,
				Speaker:        s.speakerName(r, msg),
				TranslatedText: msg.Text,
				SourceLang:     s.remoteLang(r),
				Timestamp:      time.Now(),
			})
		} else {
			updated := s.transcript[i]
			updated.TranslatedText = msg.Text
			s.transcript[i] = updated
		}
		s.publishTranscript()

	default:
		s.logger.Debug("ignoring data channel message", "peer", r.id, "type", msg.Type)
	}
}

func (s *Session) speakerName(r *remote, msg models.Message) string {
	switch {
	case msg.Name != "":
		return msg.Name
	case r.name != "":
		return r.name
	}
	return r.id
}

// findEntry returns the index of the entry with id from peerID, or of the
// local entry with id when local is set.
func (s *Session) findEntry(peerID, id string, local bool) int {
	for i := len(s.transcript) - 1; i >= 0; i-- {
		e := s.transcript[i]
		if e.ID == id && e.Local == local && (local || e.PeerID == peerID) {
			return i
		}
	}
	return -1
}

func (s *Session) latestUntranslated(peerID string) int {
	for i := len(s.transcript) - 1; i >= 0; i-- {
		e := s.transcript[i]
		if !e.Local && e.PeerID == peerID && e.TranslatedText == "" {
			return i
		}
	}
	return -1
}
