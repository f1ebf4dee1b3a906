package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "modbusbridge",
	Short: "Victron 閘道器 Modbus TCP 參數橋接",
	Long: `以 (服務名稱, 參數名稱) 讀寫 Victron GX 閘道器的 Modbus 暫存器,
並定期輪詢所有參數, 將快照送往日誌, MQTT 與 Prometheus 指標.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		appConfig = DefaultConfig()

		// 載入配置 (除了 version, help 與 generate 命令)
		var loadErr error
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			if cfg, err := LoadConfig(cfgFile); err != nil {
				loadErr = err
			} else {
				appConfig = cfg
			}
		}

		var err error
		logger, err = initLogger(appConfig.Logging)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}

		if loadErr != nil {
			// 明確指定的配置檔必須可用
			if cfgFile != "" {
				return loadErr
			}
			logger.Warn("載入配置失敗，使用預設配置", zap.Error(loadErr))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// startCmd 啟動命令
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "啟動週期輪詢",
	Long:  "探索服務後立即輪詢一次, 之後依 poll.interval 週期輪詢, 直到收到關閉信號.",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDeviceFlags(cmd)
		if interval, _ := cmd.Flags().GetDuration("interval"); interval > 0 {
			appConfig.Poll.Interval = interval
		}

		logger.Info("啟動 Modbus 橋接服務",
			zap.String("device", appConfig.Device.Host),
			zap.Int("port", appConfig.Device.Port),
			zap.Duration("interval", appConfig.Poll.Interval),
		)

		bridge := NewBridge(appConfig, logger)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("啟動橋接服務失敗: %w", err)
		}

		// 等待信號
		<-ctx.Done()
		logger.Info("收到關閉信號")

		// 優雅關閉
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.Server.GracefulTimeout)
		defer shutdownCancel()

		if err := bridge.Stop(shutdownCtx); err != nil {
			logger.Error("關閉橋接服務失敗", zap.Error(err))
			return err
		}

		return nil
	},
}

// pollCmd 單次輪詢
var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "輪詢一次並輸出 JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDeviceFlags(cmd)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		snap, err := NewBridge(appConfig, logger).PollOnce(ctx)
		if err != nil {
			return fmt.Errorf("輪詢失敗: %w", err)
		}

		var data []byte
		if envelope, _ := cmd.Flags().GetBool("envelope"); envelope {
			data, err = snap.Envelope()
		} else {
			data, err = snap.MarshalJSON()
		}
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

// readCmd 讀取單一參數
var readCmd = &cobra.Command{
	Use:   "read <service> <parameter>",
	Short: "讀取單一參數",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDeviceFlags(cmd)

		res, err := NewBridge(appConfig, logger).Resolve(cmd.Context(), Request{
			Service:   args[0],
			Parameter: args[1],
			Op:        OpRead,
		})
		if err != nil {
			return err
		}

		printResult(cmd, res)
		return nil
	},
}

// writeCmd 寫入單一參數
var writeCmd = &cobra.Command{
	Use:   "write <service> <parameter> <value>",
	Short: "寫入單一參數",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDeviceFlags(cmd)

		v, err := strconv.ParseUint(args[2], 0, 16)
		if err != nil {
			return fmt.Errorf("無效的寫入值 %q: 必須介於 0 到 65535", args[2])
		}
		value := uint16(v)

		res, err := NewBridge(appConfig, logger).Resolve(cmd.Context(), Request{
			Service:   args[0],
			Parameter: args[1],
			Op:        OpWrite,
			Value:     &value,
		})
		if err != nil {
			return err
		}

		printResult(cmd, res)
		return nil
	},
}

// servicesCmd 列出服務
var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "列出探索到的服務與參數數量",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDeviceFlags(cmd)

		bridge := NewBridge(appConfig, logger)
		records, err := bridge.Services(cmd.Context())
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "沒有探索到任何服務")
			return nil
		}

		mapping := bridge.Mapping()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "服務 (%d 個):\n", len(records))
		for _, r := range records {
			unit := "-"
			if u, ok := mapping.Unit(r.InstanceID); ok {
				unit = strconv.Itoa(int(u))
			}
			fmt.Fprintf(out, "  %-40s instance=%-5d unit=%-4s parameters=%d\n",
				r.Name, r.InstanceID, unit, len(mapping.Parameters(r.Name)))
		}
		return nil
	},
}

// simulateCmd 模擬設備
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "啟動模擬閘道器",
	Long:  "以對照表內容啟動 Modbus TCP 模擬設備, 供沒有閘道器時測試.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			appConfig.Simulator.Port = port
		}

		mapping, err := LoadMappingFile(appConfig.Mapping, logger)
		if err != nil {
			return fmt.Errorf("載入對照表失敗: %w", err)
		}

		sim := NewSimulator(appConfig.Simulator, mapping, WithSimulatorLogger(logger))

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if err := sim.Start(ctx); err != nil {
			return fmt.Errorf("啟動模擬設備失敗: %w", err)
		}

		<-ctx.Done()
		logger.Info("收到關閉信號")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.Server.GracefulTimeout)
		defer shutdownCancel()
		return sim.Stop(shutdownCtx)
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證配置檔, 並嘗試載入對照表.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "配置驗證通過")
		fmt.Fprintf(out, "  Device: %s:%d\n", cfg.Device.Host, cfg.Device.Port)
		fmt.Fprintf(out, "  Discovery: %s\n", cfg.Discovery.Mode)
		fmt.Fprintf(out, "  Interval: %v\n", cfg.Poll.Interval)

		if skip, _ := cmd.Flags().GetBool("skip-mapping"); skip {
			return nil
		}

		mapping, err := LoadMappingFile(cfg.Mapping, logger)
		if err != nil {
			return fmt.Errorf("對照表驗證失敗: %w", err)
		}
		fmt.Fprintf(out, "  Mapping: %d 個參數, %d 個服務, %d 個 Unit ID\n",
			mapping.Len(), len(mapping.Services()), mapping.UnitCount())
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔 (.json 或 .yaml)。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		cfg := DefaultConfig()

		// 範例設備與靜態服務清單
		cfg.Device.Host = "192.168.1.50"
		cfg.Discovery.Services = []DiscoveredService{
			{Name: "com.victronenergy.system", InstanceID: 0},
			{Name: "com.victronenergy.vebus", InstanceID: 276},
			{Name: "com.victronenergy.solarcharger", InstanceID: 258},
		}

		if err := cfg.SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "modbusbridge version %s\n", Version)
		fmt.Fprintf(out, "  Build: %s\n", BuildTime)
		fmt.Fprintf(out, "  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")

	// 設備相關 flags
	for _, cmd := range []*cobra.Command{startCmd, pollCmd, readCmd, writeCmd, servicesCmd} {
		cmd.Flags().StringP("host", "H", "", "閘道器 IP 位址")
		cmd.Flags().IntP("port", "p", 0, "閘道器 Modbus TCP 埠號")
		cmd.Flags().StringP("mapping", "m", "", "對照表檔案路徑")
	}

	startCmd.Flags().DurationP("interval", "i", 0, "輪詢間隔")
	pollCmd.Flags().Bool("envelope", false, "輸出包含週期資訊的 JSON")
	simulateCmd.Flags().IntP("port", "p", 0, "監聽埠號")

	// config 命令 flags
	configValidateCmd.Flags().Bool("skip-mapping", false, "不載入對照表")
	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	// 組裝命令樹
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		startCmd,
		pollCmd,
		readCmd,
		writeCmd,
		servicesCmd,
		simulateCmd,
		configCmd,
		versionCmd,
	)
}

// applyDeviceFlags 以命令列參數覆蓋配置
func applyDeviceFlags(cmd *cobra.Command) {
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		appConfig.Device.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		appConfig.Device.Port = port
	}
	if path, _ := cmd.Flags().GetString("mapping"); path != "" {
		appConfig.Mapping.Path = path
	}
}

func printResult(cmd *cobra.Command, res Result) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s = %d (unit %d, register %d)\n",
		res.Service, res.Parameter, res.Value, res.Unit, res.Register)
}

// initLogger 依 logging 配置建立 zap logger
func initLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("無效的日誌等級 %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}

	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}
	zcfg.OutputPaths = []string{output}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
