package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Protego-Vault/internal/agent"
	"Protego-Vault/internal/asset"
	"Protego-Vault/internal/auth"
	"Protego-Vault/internal/config"
	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/events"
	"Protego-Vault/internal/harvest"
	"Protego-Vault/internal/llm/openai"
	"Protego-Vault/internal/observability/alerting"
	"Protego-Vault/internal/storage/mysql"
	"Protego-Vault/internal/vault"
	"Protego-Vault/internal/web3/ethereum"
	"Protego-Vault/internal/web3/provider"
	"Protego-Vault/pkg/logger"
)

// closeStack 按注册的逆序释放资源。
type closeStack struct {
	names []string
	fns   []func() error
}

func (s *closeStack) push(name string, fn func() error) {
	s.names = append(s.names, name)
	s.fns = append(s.fns, fn)
}

func (s *closeStack) closeAll() {
	for i := len(s.fns) - 1; i >= 0; i-- {
		if err := s.fns[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.String("resource", s.names[i]), slog.Any("error", err))
		}
	}
}

func hexAddress(value string) common.Address {
	return common.HexToAddress(strings.TrimSpace(value))
}

func openJournal(ctx context.Context, cfg config.JournalConfig, dataDir string) (mysql.Journal, error) {
	switch cfg.Driver {
	case config.JournalDriverMySQL:
		return mysql.NewSQLJournal(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime(),
		})
	default:
		return mysql.NewFileJournal(dataDir)
	}
}

// chainAccess 保存默认链的客户端。
type chainAccess struct {
	registry *provider.Registry
	client   *ethereum.Client
}

// openChains 仅在配置了链端点时连接，memory 资产驱动下链信息只用于结果标注。
func openChains(ctx context.Context, cfg *config.Config) (*chainAccess, error) {
	if cfg.Web3.ChainConfig == "" && cfg.Web3.RPCURL == "" {
		if cfg.Vault.AssetDriver == config.AssetDriverEVM {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "evm 资产驱动需要配置 web3.chain_config 或 web3.rpc_url")
		}
		return nil, nil
	}
	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, err
	}
	client, err := registry.DefaultClient()
	if err != nil {
		registry.Close()
		return nil, err
	}
	return &chainAccess{registry: registry, client: client}, nil
}

// assetBinding 描述金库使用的底层资产。
type assetBinding struct {
	asset   vault.Asset
	address common.Address
	account common.Address
	memory  *asset.MemoryToken
}

func openAsset(ctx context.Context, cfg *config.Config, chains *chainAccess) (assetBinding, error) {
	if cfg.Vault.AssetDriver == config.AssetDriverEVM {
		return openERC20(ctx, cfg, chains)
	}

	decimals := uint8(18)
	if cfg.Vault.Decimals > 0 {
		decimals = uint8(cfg.Vault.Decimals)
	}
	token := asset.NewMemoryToken(cfg.Vault.AssetName, cfg.Vault.AssetSymbol, decimals)
	account := hexAddress(cfg.Vault.Account)
	// Seeded holders pre-approve the custody account so deposits work
	// without a token API.
	for holder, amount := range cfg.Vault.SeedAmounts() {
		if err := token.Mint(holder, amount); err != nil {
			return assetBinding{}, err
		}
		if err := token.Approve(holder, account, vault.Unlimited); err != nil {
			return assetBinding{}, err
		}
	}
	return assetBinding{asset: token.Account(account), address: hexAddress(cfg.Vault.AssetAddress), account: account, memory: token}, nil
}

// rehydrateMemoryCustody 让内存代币的托管余额与恢复出的快照一致。
func rehydrateMemoryCustody(binding assetBinding, snapshot *vault.Snapshot) error {
	if binding.memory == nil || snapshot == nil || snapshot.TotalAssets == nil || snapshot.TotalAssets.Sign() == 0 {
		return nil
	}
	return binding.memory.Mint(binding.account, snapshot.TotalAssets)
}

func openERC20(ctx context.Context, cfg *config.Config, chains *chainAccess) (assetBinding, error) {
	if chains == nil {
		return assetBinding{}, xerrors.New(xerrors.CodeInitializationFailure, "evm 资产驱动缺少链客户端")
	}
	raw := strings.TrimSpace(os.Getenv(cfg.Web3.PrivateKeyEnv))
	if raw == "" {
		return assetBinding{}, xerrors.New(xerrors.CodeInitializationFailure, "未提供托管账户私钥",
			xerrors.WithMetadata("env", cfg.Web3.PrivateKeyEnv))
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return assetBinding{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析托管账户私钥失败")
	}
	backend := chains.client.Backend()
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return assetBinding{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询链 ID 失败")
	}
	signer, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return assetBinding{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建交易签名器失败")
	}
	account := hexAddress(cfg.Vault.Account)
	if signer.From != account {
		return assetBinding{}, xerrors.New(xerrors.CodeInvalidArgument, "私钥与 vault.account 不匹配",
			xerrors.WithMetadata("signer", signer.From.Hex()),
			xerrors.WithMetadata("account", account.Hex()))
	}
	tokenAddr := hexAddress(cfg.Vault.AssetAddress)
	token, err := ethereum.NewToken(backend, ethereum.TokenConfig{
		Address:        tokenAddr,
		Signer:         signer,
		ReceiptTimeout: cfg.Web3.ReceiptTimeout(),
	})
	if err != nil {
		return assetBinding{}, err
	}
	return assetBinding{asset: token, address: tokenAddr, account: account}, nil
}

func openPublishers(ctx context.Context, cfg config.EventsConfig) ([]events.Publisher, error) {
	publishers := []events.Publisher{events.NewMemoryPublisher(cfg.RecentCapacity)}
	switch cfg.Driver {
	case config.DriverRedis:
		pub, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Channel:    cfg.Redis.Channel,
			History:    cfg.Redis.History,
			HistoryLen: cfg.Redis.HistoryLen,
		})
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, pub)
	case config.DriverRabbitMQ:
		pub, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, pub)
	}
	return publishers, nil
}

func buildDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if cfg.Webhook.URL != "" {
		webhook, err := alerting.NewWebhookNotifier(alerting.WebhookConfig{
			URL:         cfg.Webhook.URL,
			Headers:     cfg.Webhook.Headers,
			Timeout:     time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
			MaxAttempts: uint(max(cfg.Webhook.MaxAttempts, 0)),
		})
		if err != nil {
			logger.L().Warn("webhook 告警未启用", slog.Any("error", err))
		} else {
			notifiers = append(notifiers, webhook)
		}
	}
	if cfg.Slack.WebhookURL != "" {
		sender, err := alerting.NewWebhookNotifier(alerting.WebhookConfig{URL: cfg.Slack.WebhookURL})
		if err != nil {
			logger.L().Warn("Slack 告警未启用", slog.Any("error", err))
		} else {
			notifiers = append(notifiers, &alerting.SlackNotifier{Sender: sender, ChannelID: cfg.Slack.Channel})
		}
	}
	return alerting.NewFanout(notifiers...)
}

// sharedDB 返回 MySQL 日志的连接，供任务存储与密钥存储复用。
func sharedDB(journal mysql.Journal) (*mysql.SQLJournal, error) {
	sqlJournal, ok := journal.(*mysql.SQLJournal)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mysql 存储需要 mysql 日志驱动")
	}
	return sqlJournal, nil
}

func openHarvestStore(_ context.Context, cfg config.HarvestConfig, journal mysql.Journal) (harvest.Store, error) {
	if cfg.Store != config.DriverMySQL {
		return harvest.NewMemoryStore(), nil
	}
	sqlJournal, err := sharedDB(journal)
	if err != nil {
		return nil, err
	}
	return mysql.NewHarvestStore(sqlJournal.DB()), nil
}

func openHarvestQueue(ctx context.Context, cfg config.HarvestConfig) (harvest.Queue, error) {
	switch cfg.Queue {
	case config.DriverRedis:
		return harvest.NewRedisQueue(ctx, harvest.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait(),
		})
	case config.DriverRabbitMQ:
		return harvest.NewRabbitMQQueue(harvest.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return harvest.NewMemoryQueue(cfg.QueueSize), nil
	}
}

func openAuth(ctx context.Context, cfg config.AuthConfig, journal mysql.Journal) (*auth.Service, error) {
	seeds := make([]auth.Seed, 0, len(cfg.Keys))
	for _, key := range cfg.Keys {
		seeds = append(seeds, auth.Seed{
			Name:        key.Name,
			Key:         key.Key,
			Address:     key.Address,
			Permissions: key.Permissions,
			Disabled:    key.Disabled,
		})
	}

	var store auth.Store
	if cfg.Store == config.DriverMySQL {
		sqlJournal, err := sharedDB(journal)
		if err != nil {
			return nil, err
		}
		store = mysql.NewSQLKeyStore(sqlJournal.DB())
	} else {
		memory, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		store = memory
	}
	svc, err := auth.NewService(ctx, auth.Config{Mode: auth.Mode(cfg.Mode), Seeds: seeds}, store)
	if err != nil {
		return nil, fmt.Errorf("初始化身份认证失败: %w", err)
	}
	if svc.Mode() == auth.ModeDisabled {
		logger.L().Warn("身份认证已关闭，调用方地址直接取自请求头", slog.String("header", auth.HeaderCaller))
	}
	return svc, nil
}

// buildStrategy 返回收益策略，配置了大模型时由其复核达到阈值的收益。
func buildStrategy(cfg config.HarvestConfig, vaultSymbol string) (agent.Strategy, error) {
	gate := agent.ThresholdStrategy{MinSurplus: cfg.MinSurplusAmount()}
	if cfg.Advisor.Provider != config.AdvisorOpenAI {
		return gate, nil
	}
	client, err := openai.NewClient(openai.Config{
		APIKey:  os.Getenv(cfg.Advisor.APIKeyEnv),
		BaseURL: cfg.Advisor.BaseURL,
		Model:   cfg.Advisor.Model,
		Timeout: time.Duration(cfg.Advisor.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化收益复核模型失败",
			xerrors.WithMetadata("env", cfg.Advisor.APIKeyEnv))
	}
	logger.L().Info("收益确认启用大模型复核", slog.String("provider", cfg.Advisor.Provider))
	return agent.AdvisorStrategy{Gate: gate, Advisor: client, Vault: vaultSymbol}, nil
}
