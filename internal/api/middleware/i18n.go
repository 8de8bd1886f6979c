package middleware

import (
	"embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var embeddedLocales embed.FS

// Context- und Session-Schlüssel
const (
	languageKey   = "language"
	translatorKey = "translator"
)

// I18nConfig definiert die Konfiguration für die i18n-Middleware
type I18nConfig struct {
	DefaultLanguage string
	LocalesDir      string // optionale Dateien, die die eingebetteten Übersetzungen überschreiben
}

// Translator hält die Übersetzungsfunktionalität
type Translator struct {
	bundle          *i18n.Bundle
	localizer       map[string]*i18n.Localizer
	matcher         language.Matcher
	tags            []language.Tag
	defaultLanguage string
}

// NewTranslator erstellt einen neuen Übersetzer aus den eingebetteten Dateien
func NewTranslator(config I18nConfig) (*Translator, error) {
	if config.DefaultLanguage == "" {
		config.DefaultLanguage = "en"
	}

	bundle := i18n.NewBundle(language.MustParse(config.DefaultLanguage))
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := embeddedLocales.ReadDir("locales")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if _, err := bundle.LoadMessageFileFS(embeddedLocales, "locales/"+entry.Name()); err != nil {
			return nil, err
		}
	}

	// Zusätzliche Übersetzungsdateien laden (z.B. angepasste Texte pro Knoten)
	if config.LocalesDir != "" {
		files, err := os.ReadDir(config.LocalesDir)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			if _, err := bundle.LoadMessageFile(filepath.Join(config.LocalesDir, file.Name())); err != nil {
				return nil, err
			}
		}
	}

	t := &Translator{
		bundle:          bundle,
		localizer:       make(map[string]*i18n.Localizer),
		defaultLanguage: config.DefaultLanguage,
	}
	tags := bundle.LanguageTags()
	for _, tag := range tags {
		base, _ := tag.Base()
		t.localizer[base.String()] = i18n.NewLocalizer(bundle, tag.String())
	}
	t.tags = tags
	t.matcher = language.NewMatcher(tags)

	return t, nil
}

// Supported meldet, ob für die Sprache Übersetzungen vorhanden sind
func (t *Translator) Supported(lang string) bool {
	_, ok := t.localizer[lang]
	return ok
}

// Match wählt die beste unterstützte Sprache für einen Accept-Language-Header
func (t *Translator) Match(acceptLanguage string) string {
	if acceptLanguage == "" {
		return t.defaultLanguage
	}
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return t.defaultLanguage
	}
	_, index, confidence := t.matcher.Match(tags...)
	if confidence == language.No {
		return t.defaultLanguage
	}
	base, _ := t.tags[index].Base()
	return base.String()
}

// Translate übersetzt eine Nachricht. Unbekannte IDs werden unverändert zurückgegeben.
func (t *Translator) Translate(lang, messageID string, data map[string]interface{}) string {
	localizer, ok := t.localizer[lang]
	if !ok {
		localizer = t.localizer[t.defaultLanguage]
	}
	if localizer == nil {
		return messageID
	}
	msg, err := localizer.Localize(&i18n.LocalizeConfig{MessageID: messageID, TemplateData: data})
	if err != nil {
		return messageID
	}
	return msg
}

// I18n erstellt eine Middleware für die Internationalisierung. Die Sprache kommt
// aus ?lang= (wird in der Session gespeichert), der Session oder Accept-Language.
func I18n(translator *Translator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var session sessions.Session
		if _, ok := c.Get(sessions.DefaultKey); ok {
			session = sessions.Default(c)
		}

		lang := c.Query("lang")
		if lang != "" && translator.Supported(lang) {
			if session != nil {
				session.Set(languageKey, lang)
				if err := session.Save(); err != nil {
					log.Debugf("Failed to save language preference: %v", err)
				}
			}
		} else {
			lang = ""
			if session != nil {
				if stored, ok := session.Get(languageKey).(string); ok && translator.Supported(stored) {
					lang = stored
				}
			}
			if lang == "" {
				lang = translator.Match(c.GetHeader("Accept-Language"))
			}
		}

		c.Set(languageKey, lang)
		c.Set(translatorKey, translator)
		c.Next()
	}
}

// T übersetzt eine Nachricht in der Sprache der aktuellen Anfrage. Ohne
// Middleware wird die Nachrichten-ID zurückgegeben.
func T(c *gin.Context, messageID string, data map[string]interface{}) string {
	value, ok := c.Get(translatorKey)
	if !ok {
		return messageID
	}
	translator, ok := value.(*Translator)
	if !ok {
		return messageID
	}
	return translator.Translate(c.GetString(languageKey), messageID, data)
}

// Language liefert die Sprache der aktuellen Anfrage
func Language(c *gin.Context) string {
	return c.GetString(languageKey)
}
