package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"labflow/config"
	"labflow/internal/api/handler"
	"labflow/internal/api/router"
	"labflow/internal/dto"
	"labflow/internal/model"
	"labflow/internal/repository"
	"labflow/internal/service"
	"labflow/pkg/database"
	"labflow/pkg/eventbus"
	"labflow/pkg/jwt"
	applogger "labflow/pkg/logger"
	"labflow/pkg/redis"
)

func main() {
	var (
		configPath string
		seedUser   string
	)
	flagSet := pflag.NewFlagSet("labflow", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "配置文件路径（默认查找 ./config/config.yaml）")
	flagSet.StringVar(&seedUser, "seed-user", "", "启动时创建用户，格式 email:password:role；已存在时跳过")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "参数解析失败: %v\n", err)
		os.Exit(2)
	}

	// 1. 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	logger, err := applogger.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.Int("port", cfg.Server.Port),
		zap.String("log_level", cfg.Log.Level),
		zap.String("timezone", cfg.Server.Timezone),
	)

	// 3. 连接数据库（开启 auto_migrate 时执行嵌入的迁移）
	db, err := database.NewDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}

	// 4. 连接 Redis（可选：连接失败时降级运行，不中断启动）
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewClient(&cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis 连接失败，黑名单与限流不可用，时段锁退回进程内实现", zap.Error(err))
			rdb = nil
		}
	}

	if err := dto.RegisterValidators(); err != nil {
		logger.Fatal("注册校验规则失败", zap.Error(err))
	}

	// 5. 依赖注入: Repository → Service → Handler
	jwtMgr := jwt.NewManager(&cfg.Auth)
	repo := repository.NewRepository(db)

	if seedUser != "" {
		if err := ensureUser(context.Background(), repo, seedUser, logger); err != nil {
			logger.Fatal("创建初始用户失败", zap.Error(err))
		}
	}

	bus := eventbus.New()
	notifiers := []service.Notifier{service.NewLogNotifier(logger)}
	if rdb != nil && cfg.Feature.RedisFanout {
		notifiers = append(notifiers, service.NewRedisNotifier(rdb, cfg.Redis.ChangeChannel, logger))
	}
	unsubscribe := service.SubscribeNotifiers(bus, notifiers...)
	defer unsubscribe()

	deps := service.Deps{
		Config: cfg,
		Repo:   repo,
		JWT:    jwtMgr,
		Locker: service.NewSlotLocker(rdb, cfg.Workflow.SlotLockTTL, logger),
		Bus:    bus,
		Logger: logger,
	}
	if rdb != nil {
		deps.Blacklist = rdb
	}
	svc := service.NewService(deps)
	h := handler.NewHandler(svc, logger)

	// 6. 定时任务：VALIDATED → IN_PROGRESS
	var sweeper *service.Sweeper
	if cfg.Feature.InProgressSweeper {
		sweeper, err = service.NewSweeper(cfg.Workflow.SweepSchedule, svc.Event, logger)
		if err != nil {
			logger.Fatal("初始化定时任务失败", zap.Error(err))
		}
		sweeper.Start()
	}

	// 7. 初始化路由
	engine := router.Setup(cfg, h, jwtMgr, rdb, logger)

	// 8. 启动 HTTP 服务器（优雅关闭）
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP 服务器已启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP 服务器异常", zap.Error(err))
		}
	}()

	// 9. 监听系统信号，优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("收到关闭信号，开始优雅关闭...", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}
	if sweeper != nil {
		sweeper.Stop(ctx)
	}

	// 关闭数据库连接
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	// 关闭 Redis 连接
	if rdb != nil {
		rdb.Close()
	}

	logger.Info("服务器已关闭")
}

// ensureUser 按 email:password:role 创建用户，已存在时跳过
func ensureUser(ctx context.Context, repo *repository.Repository, spec string, logger *zap.Logger) error {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("--seed-user 格式应为 email:password:role")
	}
	email, password, role := strings.ToLower(parts[0]), parts[1], parts[2]
	switch role {
	case model.RoleTeacher, model.RoleOperator, model.RoleAdmin:
	default:
		return fmt.Errorf("未知角色: %s", role)
	}

	if _, err := repo.User.GetByEmail(ctx, email); err == nil {
		logger.Info("初始用户已存在，跳过", zap.String("email", email))
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	name, _, _ := strings.Cut(email, "@")
	if err := repo.User.Create(ctx, &model.User{Name: name, Email: email, PasswordHash: string(hash), Role: role}); err != nil {
		return err
	}
	logger.Info("初始用户已创建", zap.String("email", email), zap.String("role", role))
	return nil
}
