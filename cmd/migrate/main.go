package main

import (
	"flag"
	"log"

	"triggerflow/internal/app"
	"triggerflow/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default is ./config.yml)")
	flag.Parse()

	// 加载配置
	config.SetupViper(*cfgFile)
	_ = viper.ReadInConfig()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 连接数据库
	db, err := app.OpenDatabase(cfg, logrus.StandardLogger())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")
	if err := app.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database migration completed successfully!")

	// 创建索引
	log.Println("Creating additional indexes...")

	// 看门狗与补偿任务按状态+时间扫描
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_runs_status_started ON automation_runs(status, started_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_runs_status_queued ON automation_runs(status, queued_at)")

	// 运行列表按组织分页
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_runs_org_queued ON automation_runs(organization_id, queued_at DESC)")

	// 每个自动化只有一个 webhook 触发器时按 provider 查询
	db.Exec("CREATE INDEX IF NOT EXISTS idx_triggers_automation_provider ON triggers(automation_id, provider)")

	log.Println("Indexes created")
}
