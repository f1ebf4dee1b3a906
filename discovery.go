package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Discoverer 服務探索來源
type Discoverer interface {
	Discover(ctx context.Context) ([]DiscoveredService, error)
}

// StaticDiscovery 由配置提供的固定服務清單
type StaticDiscovery struct {
	Services []DiscoveredService
}

// Discover 回傳配置的清單
func (s StaticDiscovery) Discover(ctx context.Context) ([]DiscoveredService, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]DiscoveredService, len(s.Services))
	copy(out, s.Services)
	return out, nil
}

// commandRunner 遠端指令執行
type commandRunner interface {
	Run(ctx context.Context, cmd string) (string, error)
	Close() error
}

// SSHDiscovery 透過 SSH 在閘道上查詢 D-Bus 服務
type SSHDiscovery struct {
	config SSHConfig
	prefix string
	logger *zap.Logger

	dial func(ctx context.Context) (commandRunner, error)
}

// NewSSHDiscovery 建立 SSH 探索
func NewSSHDiscovery(cfg DiscoveryConfig, logger *zap.Logger) *SSHDiscovery {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &SSHDiscovery{
		config: cfg.SSH,
		prefix: cfg.ServicePrefix,
		logger: logger,
	}
	d.dial = d.dialSSH
	return d
}

// Discover 列出服務並查詢每個服務的 /DeviceInstance
//
// 單一服務查詢失敗只記錄警告並略過.
func (d *SSHDiscovery) Discover(ctx context.Context) ([]DiscoveredService, error) {
	runner, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer runner.Close()

	out, err := runner.Run(ctx, "dbus -y")
	if err != nil {
		return nil, fmt.Errorf("列出 D-Bus 服務失敗: %w", err)
	}

	var services []DiscoveredService
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || !strings.HasPrefix(name, d.prefix) {
			continue
		}

		reply, err := runner.Run(ctx, fmt.Sprintf("dbus -y %s /DeviceInstance GetValue", shellQuote(name)))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.logger.Warn("查詢設備實例失敗", zap.String("service", name), zap.Error(err))
			continue
		}

		id, ok := extractInstanceID(reply)
		if !ok {
			d.logger.Warn("無法解析設備實例", zap.String("service", name), zap.String("reply", strings.TrimSpace(reply)))
			continue
		}

		services = append(services, DiscoveredService{Name: name, InstanceID: id})
	}

	d.logger.Info("服務探索完成", zap.String("host", d.config.Host), zap.Int("services", len(services)))
	return services, nil
}

func (d *SSHDiscovery) dialSSH(ctx context.Context) (commandRunner, error) {
	clientConfig, err := d.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(d.config.Host, strconv.Itoa(d.config.Port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SSH 連線 %s 失敗: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH 握手 %s 失敗: %w", addr, err)
	}

	return &sshRunner{client: ssh.NewClient(c, chans, reqs)}, nil
}

func (d *SSHDiscovery) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if d.config.KeyPath != "" {
		pem, err := os.ReadFile(d.config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("讀取 SSH 金鑰失敗: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("解析 SSH 金鑰失敗: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if d.config.Password != "" {
		auth = append(auth, ssh.Password(d.config.Password))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if d.config.KnownHosts != "" {
		cb, err := knownhosts.New(d.config.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("載入 known_hosts 失敗: %w", err)
		}
		hostKey = cb
	} else {
		d.logger.Warn("未設定 known_hosts, 不驗證主機金鑰", zap.String("host", d.config.Host))
	}

	return &ssh.ClientConfig{
		User:            d.config.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         d.config.Timeout,
	}, nil
}

type sshRunner struct {
	client *ssh.Client
}

func (r *sshRunner) Run(ctx context.Context, cmd string) (string, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("建立 SSH session 失敗: %w", err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.Output(cmd)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(res.err, &exitErr) {
				return string(res.out), fmt.Errorf("指令 %q 結束碼 %d", cmd, exitErr.ExitStatus())
			}
			return "", res.err
		}
		return string(res.out), nil
	case <-ctx.Done():
		_ = sess.Close()
		return "", ctx.Err()
	}
}

func (r *sshRunner) Close() error {
	return r.client.Close()
}

// extractInstanceID 取出回覆中的數字
func extractInstanceID(reply string) (int, bool) {
	var b strings.Builder
	for _, r := range reply {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, false
	}

	n, err := strconv.Atoi(b.String())
	if err != nil {
		return 0, false
	}
	return n, true
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// NewDiscoverer 依配置選擇探索來源
func NewDiscoverer(cfg DiscoveryConfig, logger *zap.Logger) (Discoverer, error) {
	switch cfg.Mode {
	case "static", "":
		return StaticDiscovery{Services: cfg.Services}, nil
	case "ssh":
		return NewSSHDiscovery(cfg, logger), nil
	default:
		return nil, fmt.Errorf("無效的探索模式: %s", cfg.Mode)
	}
}
