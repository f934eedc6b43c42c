package main

import (
	"fmt"
	"os"

	"github.com/complyhq/compliance-backend/internal/clients/openai"
	"github.com/complyhq/compliance-backend/internal/db"
	"github.com/complyhq/compliance-backend/internal/handlers"
	"github.com/complyhq/compliance-backend/internal/matching"
	"github.com/complyhq/compliance-backend/internal/pkg/logger"
	"github.com/complyhq/compliance-backend/internal/repos"
	"github.com/complyhq/compliance-backend/internal/server"
	"github.com/complyhq/compliance-backend/internal/services"
	"github.com/complyhq/compliance-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Term lists: overridable from YAML, defaults compiled in.
	termCfg := matching.DefaultTermConfig()
	if path := utils.GetEnv("MATCH_TERMS_CONFIG", "", log); path != "" {
		termCfg, err = matching.LoadTermConfig(path)
		if err != nil {
			log.Error("Could not load term config", "path", path, "error", err)
			os.Exit(1)
		}
	}

	// Repos
	log.Info("Setting up repos...")
	controlRepo := repos.NewControlRepo(thePG, log)
	sourceRepo := repos.NewRegulatorySourceRepo(thePG, log)
	unitRepo := repos.NewBusinessUnitRepo(thePG, log)
	profileRepo := repos.NewRegulatoryProfileRepo(thePG, log)
	documentRepo := repos.NewDocumentRepo(thePG, log)
	versionRepo := repos.NewDocumentVersionRepo(thePG, log)
	mappingRepo := repos.NewControlMappingRepo(thePG, log)
	jobRepo := repos.NewAnalysisJobRepo(thePG, log)

	// Services
	log.Info("Setting up services...")
	aiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAI client", "error", err)
		os.Exit(1)
	}
	autoMapService := services.NewAutoMapService(thePG, log, termCfg, controlRepo, documentRepo, versionRepo, mappingRepo)
	gapService := services.NewGapAnalysisService(thePG, log, termCfg, controlRepo, documentRepo, versionRepo, mappingRepo, unitRepo, profileRepo, sourceRepo)
	jobService := services.NewAnalysisJobService(thePG, log, aiClient, jobRepo, controlRepo, documentRepo, versionRepo, mappingRepo)
	defer jobService.Wait()

	// Handlers
	log.Info("Setting up handlers...")
	analysisHandler := handlers.NewAnalysisHandler(jobService, autoMapService, gapService)
	jobsHandler := handlers.NewJobsHandler(jobService)

	// Router
	log.Info("Setting up router...")
	router := server.NewRouter(server.RouterConfig{
		AnalysisHandler: analysisHandler,
		JobsHandler:     jobsHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	log.Info("Server listening", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
