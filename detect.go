package tgviz

import "runtime/debug"

// Bot frameworks reported in the X-TGViz-Client-Library header, checked
// in order so the most common ones win when several are linked in.
var knownBotLibraries = []string{
	"github.com/go-telegram/bot",
	"github.com/go-telegram-bot-api/telegram-bot-api/v5",
	"github.com/go-telegram-bot-api/telegram-bot-api",
	"gopkg.in/telebot.v4",
	"gopkg.in/telebot.v3",
	"github.com/mymmrac/telego",
	"github.com/NicoNex/echotron/v3",
}

func detectLibrary() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	return detectLibraryFrom(info.Deps)
}

func detectLibraryFrom(deps []*debug.Module) string {
	for _, path := range knownBotLibraries {
		for _, dep := range deps {
			if dep == nil {
				continue
			}
			if dep.Path == path {
				return dep.Path + "/" + dep.Version
			}
		}
	}
	return "unknown"
}
