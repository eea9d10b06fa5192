package main

import (
	"log"
	"os"

	"pipeflow/internal/app"
	"pipeflow/internal/config"
	"pipeflow/internal/models"

	"github.com/spf13/viper"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	config.BindEnv(viper.GetViper())
	_ = viper.ReadInConfig()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 连接数据库
	db, err := app.OpenDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")
	if err := app.CreateIndexes(db); err != nil {
		log.Fatalf("Failed to create indexes: %v", err)
	}

	// 插入示例数据
	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding demo pipe...")
		if err := app.Seed(db); err != nil {
			log.Fatalf("Failed to seed: %v", err)
		}
		log.Println("Demo data seeded successfully!")
	}

	log.Println("Migration process completed!")
}
