package config

import (
	"os"
	"strings"
	"testing"
)

// FuzzBufferConfigTOML feeds random-ish fields into a tiny TOML and ensures
// the loader does not panic and that accepted configs are valid.
func FuzzBufferConfigTOML(f *testing.F) {
	f.Add("http://localhost:8080/events", "5s", "1s", "info")
	f.Add("", "0s", "-1s", "")
	f.Add("not a url", "soon", "1h", "debug")

	f.Fuzz(func(t *testing.T, serverURL, cooldown, tick, level string) {
		clean := func(s string) string {
			s = strings.ReplaceAll(s, "\"", "")
			s = strings.ReplaceAll(s, "\\", "")
			return strings.ReplaceAll(s, "\n", "")
		}
		b := strings.Builder{}
		b.WriteString("[buffer]\n")
		b.WriteString("server_url = \"" + clean(serverURL) + "\"\n")
		b.WriteString("cooldown = \"" + clean(cooldown) + "\"\n")
		b.WriteString("tick_interval = \"" + clean(tick) + "\"\n")
		b.WriteString("[log.slog]\nlevel = \"" + clean(level) + "\"\n")

		tmp := t.TempDir() + "/fuzz.toml"
		if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		cfg, err := Load(tmp) // must not panic
		if err != nil {
			return
		}
		if cfg.Buffer.Cooldown <= 0 || cfg.Buffer.TickInterval <= 0 {
			t.Fatalf("accepted invalid timing: %+v", cfg.Buffer)
		}
	})
}
