// Command telegram-controller runs the Telegram bot daemon that spawns
// and manages agent subprocess instances and routes chat traffic to
// them.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telegram-agentctl/controller/internal/agentclient"
	"github.com/telegram-agentctl/controller/internal/browser"
	"github.com/telegram-agentctl/controller/internal/callback"
	"github.com/telegram-agentctl/controller/internal/config"
	"github.com/telegram-agentctl/controller/internal/controller"
	"github.com/telegram-agentctl/controller/internal/dispatcher"
	"github.com/telegram-agentctl/controller/internal/factory"
	"github.com/telegram-agentctl/controller/internal/forwarder"
	"github.com/telegram-agentctl/controller/internal/instance"
	"github.com/telegram-agentctl/controller/internal/lock"
	"github.com/telegram-agentctl/controller/internal/pending"
	"github.com/telegram-agentctl/controller/internal/pidregistry"
	"github.com/telegram-agentctl/controller/internal/portregistry"
	"github.com/telegram-agentctl/controller/internal/processmanager"
	"github.com/telegram-agentctl/controller/internal/router"
	"github.com/telegram-agentctl/controller/internal/statedir"
	"github.com/telegram-agentctl/controller/internal/telegram"
)

const (
	lockAttempts  = 3
	lockRetryWait = 500 * time.Millisecond
	getMeTimeout  = 5 * time.Second
)

var (
	stateDirFlag  string
	providerFlag  string
	modelFlag     string
	noBrowserFlag bool
	verboseFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "telegram-controller",
	Short: "Telegram bot that manages and routes chats to agent instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "Print the current instance table without starting the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printInstances()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDirFlag, "state-dir", "", "State directory (default ~/.local/share/telegram_controller)")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "Default model provider for new instances")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "Default model for new instances")
	rootCmd.PersistentFlags().BoolVar(&noBrowserFlag, "no-browser", false, "Never auto-open a browser tab for new instances")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose logging")
	rootCmd.AddCommand(instancesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadFactories(configPath string) *factory.Registry {
	registry := factory.NewRegistry()
	if err := registry.LoadConfig(configPath); err != nil {
		log.Printf("telegram-ctl: failed to load %s, using built-in instance types: %v", configPath, err)
	}
	return registry
}

func printInstances() error {
	dir, err := statedir.Open(stateDirFlag)
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}

	pids, err := pidregistry.New(dir.PIDsDir())
	if err != nil {
		return fmt.Errorf("open pid registry: %w", err)
	}

	manager, err := processmanager.New(processmanager.Options{
		StateFile: dir.InstancesFile(),
		LogsDir:   dir.LogsDir(),
		PIDs:      pids,
		Ports:     portregistry.New(portregistry.DefaultLo, portregistry.DefaultHi),
		Factories: loadFactories(dir.FactoryConfigFile()),
	})
	if err != nil {
		return fmt.Errorf("open process manager: %w", err)
	}

	instances := manager.List()
	if len(instances) == 0 {
		fmt.Println("No instances recorded.")
		return nil
	}
	for _, inst := range instances {
		fmt.Printf("%s\t%-10s\t%-20s\t%s\n", inst.ShortID(), inst.State, inst.DisplayName, inst.Directory)
	}
	return nil
}

func runDaemon() error {
	log.SetPrefix("[telegram-ctl] ")
	log.SetFlags(log.Ldate | log.Ltime)
	if verboseFlag {
		log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	}

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	dir, err := statedir.Open(stateDirFlag)
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}

	daemonLock, err := lock.Acquire(dir.LockFile(), lockAttempts, lockRetryWait)
	if err != nil {
		return fmt.Errorf("another telegram-controller is already running against %s: %w", dir.Root(), err)
	}
	defer daemonLock.Release()

	store, err := config.NewStore(dir.ConfigFile())
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	settings := store.Get()

	defaultProvider := firstNonEmpty(providerFlag, settings.DefaultProvider)
	defaultModel := firstNonEmpty(modelFlag, settings.DefaultModel)
	catalog := config.NewCatalog(settings.FavouriteModels)

	pids, err := pidregistry.New(dir.PIDsDir())
	if err != nil {
		return fmt.Errorf("open pid registry: %w", err)
	}
	ports := portregistry.New(portregistry.DefaultLo, portregistry.DefaultHi)
	factories := loadFactories(dir.FactoryConfigFile())

	rtr, err := router.New(dir.RouterStateFile())
	if err != nil {
		return fmt.Errorf("open router: %w", err)
	}

	manager, err := processmanager.New(processmanager.Options{
		StateFile:   dir.InstancesFile(),
		LogsDir:     dir.LogsDir(),
		PIDs:        pids,
		Ports:       ports,
		Factories:   factories,
		AutoRestart: settings.AutoRestartBudget > 0,
	})
	if err != nil {
		return fmt.Errorf("open process manager: %w", err)
	}

	clientFor := func(inst *instance.Instance) *agentclient.Client {
		return agentclient.New(inst.URL())
	}

	var browserMgr forwarder.BrowserOpener
	if !noBrowserFlag && settings.OpenBrowser {
		browserMgr = browser.New(os.Getenv("TELEGRAM_BROWSER_REMOTE_URL"))
	}

	tgClient, err := telegram.New(token, allowedIDsFromEnv(), telegram.Handlers{}, dir.PollingOffsetFile())
	if err != nil {
		return fmt.Errorf("create telegram client: %w", err)
	}

	tracker := pending.New(manager, rtr, tgClient, clientFor)

	fwd := forwarder.New(forwarder.Options{
		Manager:   manager,
		Router:    rtr,
		Pending:   tracker,
		Telegram:  tgClient,
		Browser:   browserMgr,
		Marker:    manager,
		ClientFor: clientFor,
	})

	disp := dispatcher.New(dispatcher.Options{
		Manager:         manager,
		Router:          rtr,
		Factories:       factories,
		Models:          catalog,
		DefaultProvider: defaultProvider,
		DefaultModel:    defaultModel,
		ClientFor:       clientFor,
		RenameTopic: func(ctx context.Context, chatID, topicID int64, name string) {
			tgClient.RenameTopic(ctx, chatID, topicID, name)
		},
	})

	cbHandler := callback.New(callback.Options{
		Manager:            manager,
		Router:             rtr,
		Telegram:           tgClient,
		Pending:            tracker,
		Models:             catalog,
		ClientFor:          clientFor,
		OnQuestionAnswered: fwd.PollAndForward,
	})

	botUsername := ""
	probeCtx, probeCancel := context.WithTimeout(context.Background(), getMeTimeout)
	if name, err := tgClient.GetMe(probeCtx); err == nil {
		botUsername = name
	} else {
		log.Printf("telegram-ctl: could not fetch bot identity: %v", err)
	}
	probeCancel()

	ctrl := controller.New(controller.Options{
		Telegram:          tgClient,
		Dispatcher:        disp,
		Callback:          cbHandler,
		Forwarder:         fwd,
		Pending:           tracker,
		ProcessMgr:        manager,
		StateDir:          dir.Root(),
		BotUsername:       botUsername,
		ReloadedInstances: len(manager.List()),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return ctrl.Run(ctx)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func allowedIDsFromEnv() []int64 {
	raw := os.Getenv("TELEGRAM_ALLOWED_USER_IDS")
	if raw == "" {
		return nil
	}
	var out []int64
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}
