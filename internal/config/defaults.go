package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.flowbot/workspace",
			LogLevel:  "info",
		},
		Skills: SkillsConfig{
			Dir:              "~/.flowbot/skills",
			RetryBackoffMs:   500,
			RunBudgetSeconds: 0,
		},
		Tools: ToolsConfig{
			Shell: ShellToolConfig{
				Timeout:        30,
				MaxOutputBytes: 65536,
			},
			HTTP: HTTPToolConfig{
				Enabled: true,
			},
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "~/.flowbot/history.db",
		},
	}
}
