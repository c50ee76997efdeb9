package consts

// Settings table layout shared by the config store and the settings repository.
const (
	SettingsCategoryData   = "data"
	SettingsCategorySystem = "system"
	ActiveConfigKey        = "active_config"
)
