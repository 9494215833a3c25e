package config

import (
	"reflect"
	"strings"

	logx "tubescribe/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets never appear here; they are not in
// the config file to begin with.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.Int("scheduler.report_retention", newCfg.Scheduler.ReportRetention),
		)
	}

	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.item_delay", strings.TrimSpace(newCfg.Executor.ItemDelay)),
			logx.Int("executor.max_attempts", newCfg.Executor.MaxAttempts),
			logx.Int("executor.cooldown_factor", newCfg.Executor.CooldownFactor),
		)
	}

	if !reflect.DeepEqual(oldCfg.YouTube, newCfg.YouTube) {
		changed = append(changed, "youtube")
		attrs = append(attrs, logx.Int("youtube.page_size", newCfg.YouTube.PageSize))
	}

	if oldCfg.GitHub != newCfg.GitHub {
		changed = append(changed, "github")
		attrs = append(attrs,
			logx.String("github.owner", newCfg.GitHub.Owner),
			logx.String("github.repo", newCfg.GitHub.Repo),
			logx.String("github.branch", newCfg.GitHub.Branch),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	return changed, attrs
}

// RequiresRestart lists changed sections that running components cannot pick
// up live. Logging and executor settings apply in place; everything else is
// bound at startup.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "logging", "executor":
		default:
			out = append(out, c)
		}
	}
	return out
}
