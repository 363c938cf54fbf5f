// Package localization serves the translated strings of bastet's pages.
package localization

import (
	"embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

type LocalizationService struct {
	bundle  *i18n.Bundle
	matcher language.Matcher
}

var (
	globalService *LocalizationService
	once          sync.Once
)

func newBundle() *i18n.Bundle {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)
	return bundle
}

// NewLocalizationService returns the process wide service, loading every
// embedded locale on first use.
func NewLocalizationService() *LocalizationService {
	once.Do(func() {
		bundle := newBundle()

		entries, err := localeFS.ReadDir("locales")
		if err != nil {
			slog.Error("[unexpected] can't list embedded locales", "err", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || entry.Name() == "manifest.json" {
				continue
			}

			if _, err := bundle.LoadMessageFileFS(localeFS, path.Join("locales", entry.Name())); err != nil {
				slog.Error("[unexpected] can't load locale", "file", entry.Name(), "err", err)
			}
		}

		globalService = &LocalizationService{
			bundle:  bundle,
			matcher: language.NewMatcher(bundle.LanguageTags()),
		}
	})

	return globalService
}

func (ls *LocalizationService) GetLocalizer(lang string) *i18n.Localizer {
	return i18n.NewLocalizer(ls.bundle, lang)
}

// Languages lists the loaded locales.
func (ls *LocalizationService) Languages() []language.Tag {
	return ls.bundle.LanguageTags()
}

// Match picks the best loaded locale for an Accept-Language header value.
func (ls *LocalizationService) Match(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return language.English
	}

	tag, _, _ := ls.matcher.Match(tags...)
	base, _ := tag.Base()
	return language.Make(base.String())
}

func (ls *LocalizationService) GetLocalizerFromRequest(r *http.Request) *SimpleLocalizer {
	acceptLanguage := r.Header.Get("Accept-Language")
	return &SimpleLocalizer{
		Localizer: i18n.NewLocalizer(ls.bundle, acceptLanguage, "en"),
		Lang:      ls.Match(acceptLanguage),
	}
}

// SimpleLocalizer wraps i18n.Localizer with a more convenient API
type SimpleLocalizer struct {
	Localizer *i18n.Localizer
	Lang      language.Tag
}

// T provides a concise way to localize messages. Unknown IDs come back as
// the ID itself so a missing translation never breaks a page.
func (sl *SimpleLocalizer) T(messageID string) string {
	result, err := sl.Localizer.Localize(&i18n.LocalizeConfig{MessageID: messageID})
	if err != nil {
		return messageID
	}

	return result
}

// GetLocalizer creates a localizer based on the request's Accept-Language header
func GetLocalizer(r *http.Request) *SimpleLocalizer {
	return NewLocalizationService().GetLocalizerFromRequest(r)
}
