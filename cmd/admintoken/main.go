// admintoken 签发管理接口使用的 Bearer 令牌
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/qs3c/line_persona_bot/config"
	"github.com/qs3c/line_persona_bot/internal/pkg/jwt"
	"github.com/qs3c/line_persona_bot/internal/pkg/logger"
)

func main() {
	configPath := flag.StringP("config", "c", "config/config.yaml", "config file path")
	subject := flag.StringP("subject", "s", "", "operator name recorded as the token subject")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Pretty)

	token, err := issueToken(cfg, *subject)
	if err != nil {
		log.Fatal().Err(err).Msg("issue admin token failed")
	}
	log.Info().Str("subject", *subject).Int("expire_hours", cfg.Admin.ExpireHours).Msg("admin token issued")
	fmt.Println(token)
}

func issueToken(cfg *config.Config, subject string) (string, error) {
	if cfg.Admin.JWTSecret == "" {
		return "", errors.New("admin.jwt_secret is not configured")
	}
	if subject == "" {
		return "", errors.New("--subject is required")
	}
	if cfg.Admin.ExpireHours <= 0 {
		return "", fmt.Errorf("admin.expire_hours must be positive, got %d", cfg.Admin.ExpireHours)
	}
	return jwt.GenerateToken(subject, jwt.RoleAdmin, cfg.Admin.JWTSecret, cfg.Admin.ExpireHours)
}
