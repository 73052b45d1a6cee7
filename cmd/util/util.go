package util

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// wrapWidth is the column the flag help texts wrap at.
const wrapWidth = 50

// WrapString reflows a help text to wrapWidth columns, breaking only at
// word boundaries. Words longer than the width get a line of their own.
func WrapString(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	var b strings.Builder
	lineLen := 0
	for i, word := range words {
		switch {
		case i == 0:
			// first word starts the first line
		case lineLen+1+len(word) > wrapWidth:
			b.WriteByte('\n')
			lineLen = 0
		default:
			b.WriteByte(' ')
			lineLen++
		}
		b.WriteString(word)
		lineLen += len(word)
	}
	return b.String()
}

// InitConfig initializes configuration from environment variables.
// Flags always win; DGC_<FLAG> environment variables (optionally from
// .env / .env.local) fill in the rest.
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("dgc")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
