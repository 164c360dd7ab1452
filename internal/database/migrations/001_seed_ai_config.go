package migrations

import "gorm.io/gorm"

// PlaceholderAPIKey marks an ai_config row that an operator has not filled in
// yet. The config resolver treats it the same as a missing row.
const PlaceholderAPIKey = "YOUR_API_KEY_HERE"

type appSetting struct {
	ID    string `gorm:"primaryKey"`
	Value string
}

func (appSetting) TableName() string { return "app_settings" }

func init() {
	Register("001_seed_ai_config",
		func(db *gorm.DB) error {
			seed := appSetting{
				ID:    "ai_config",
				Value: `{"provider":"hosted","model":"","api_key":"` + PlaceholderAPIKey + `"}`,
			}
			return db.Where(appSetting{ID: "ai_config"}).FirstOrCreate(&seed).Error
		},
		func(db *gorm.DB) error {
			return db.Delete(&appSetting{ID: "ai_config"}).Error
		},
	)
}
