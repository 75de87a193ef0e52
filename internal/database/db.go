package database

import (
	"log"

	"github.com/Baaaki/bazaar-inbox/internal/config"
	"github.com/Baaaki/bazaar-inbox/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

// Connect opens the postgres pool. TranslateError makes unique-constraint
// violations surface as gorm.ErrDuplicatedKey, which conversation reuse
// relies on.
func Connect(cfg *config.Config) {
	var err error

	DB, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		log.Fatal("Failed to connect database:", err)
	}

	log.Println("Database connected successfully")
}

func Migrate() {
	if err := AutoMigrate(DB); err != nil {
		log.Fatal("Migration failed:", err)
	}

	log.Println("Database migration completed")
}

// AutoMigrate is shared with the test harness so both schemas stay identical.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.User{}, &models.Conversation{}, &models.Message{})
}
