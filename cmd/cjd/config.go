// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/client/mixer"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename  = "cjd.conf"
	defaultLogFilename     = "cjd.log"
	defaultRPCCertFilename = "rpc.cert"
	defaultRPCKeyFilename  = "rpc.key"
	defaultDataDirname     = "data"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultMaxLogZips      = 16
	defaultListenHost      = "127.0.0.1"
	defaultListenPort      = "17232"
	defaultAdminSrvAddr    = "127.0.0.1:17233"
)

var (
	defaultAppDataDir = dcrutil.AppDataDir("cjd", false)
)

// masternodeConf identifies the masternode whose pool this node runs.
type masternodeConf struct {
	ProTxHash   chainhash.Hash
	OutPoint    wire.OutPoint
	OperatorKey *secp256k1.PrivateKey
}

// cjdConf is the data that is required to set up the node.
type cjdConf struct {
	Network       cj.Network
	DataDir       string
	LogMaker      *cj.LoggerMaker
	Backend       string
	BackendConfig string
	// Masternode is nil for a mixing client.
	Masternode *masternodeConf
	Listen     []string
	// NoTLS is set when mixing clients connect over plain TCP. The admin
	// server always uses the TLS pair.
	NoTLS      bool
	RPCCert    string
	RPCKey     string
	Peers      []*mixer.Masternode
	PeerTLS    bool
	PeerCert   string
	Mixing     *mixer.OptionsConfig
	AutoStart  bool
	AdminSrvOn bool
	AdminAddr  string
	AdminPW    []byte
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}. Per-subsystem levels may follow, e.g. info,MIXR=debug"`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	Testnet bool `long:"testnet" description:"Use the test network (default mainnet)"`
	Devnet  bool `long:"devnet" description:"Use the development network (default mainnet)"`
	Regtest bool `long:"regtest" description:"Use the regression test network (default mainnet)"`

	Backend       string `long:"backend" description:"Name of the registered wallet and chain backend driver"`
	BackendConfig string `long:"backendconfig" description:"Path to the backend's configuration file"`

	Masternode    bool   `long:"masternode" description:"Run a mixing pool as a masternode instead of mixing wallet funds"`
	MNOperatorKey string `long:"mnoperatorkey" description:"Hex-encoded masternode operator private key, used to sign queue advertisements"`
	MNProTxHash   string `long:"mnprotxhash" description:"The masternode's ProTx hash"`
	MNOutPoint    string `long:"mnoutpoint" description:"The masternode's collateral outpoint, as txid:index"`

	Listen  []string `long:"listen" description:"IP addresses on which a masternode accepts mixing clients"`
	RPCCert string   `long:"rpccert" description:"TLS certificate file for the masternode listener and the admin server"`
	RPCKey  string   `long:"rpckey" description:"TLS private key file for the masternode listener and the admin server"`
	NoTLS   bool     `long:"notls" description:"Accept mixing clients over plain TCP"`

	Peers    []string `long:"masternode-peer" description:"A masternode to mix with, as protxhash@host:port@operatorpubkey. May be repeated."`
	PeerTLS  bool     `long:"peertls" description:"Connect to masternodes over TLS"`
	PeerCert string   `long:"peercert" description:"Additional CA certificate file trusted for masternode connections. Implies --peertls"`

	EnableCoinJoin    int    `long:"enablecoinjoin" description:"Enable mixing (0-1)"`
	CoinJoinAutoStart bool   `long:"coinjoinautostart" description:"Start mixing for every wallet on startup"`
	CoinJoinMulti     bool   `long:"coinjoinmultisession" description:"Enable multiple mixing sessions per denomination"`
	CoinJoinSessions  int    `long:"coinjoinsessions" description:"Number of concurrent mixing sessions"`
	CoinJoinRounds    int    `long:"coinjoinrounds" description:"Number of mixing rounds per input"`
	CoinJoinAmount    uint64 `long:"coinjoinamount" description:"Target amount of mixed funds, in whole coins"`
	CoinJoinGoal      int    `long:"coinjoindenomsgoal" description:"Number of inputs of each denomination to aim for"`
	CoinJoinHardcap   int    `long:"coinjoindenomshardcap" description:"Maximum number of inputs of each denomination"`

	AdminSrvOn   bool   `long:"adminsrvon" description:"Turn on the admin server"`
	AdminSrvAddr string `long:"adminsrvaddr" description:"Admin server address (host:port)"`
	AdminSrvPW   string `long:"adminsrvpass" description:"Admin server password. INSECURE. Do not set unless absolutely necessary."`
}

func defaultFlags() flagsData {
	mixing := mixer.DefaultOptionsConfig()
	return flagsData{
		AppDataDir: defaultAppDataDir,
		// Defaults for ConfigFile, LogDir, and DataDir are set relative to
		// AppDataDir. They are not to be set here.
		MaxLogZips:       defaultMaxLogZips,
		RPCCert:          defaultRPCCertFilename,
		RPCKey:           defaultRPCKeyFilename,
		DebugLevel:       defaultLogLevel,
		EnableCoinJoin:   1,
		CoinJoinSessions: mixing.Sessions,
		CoinJoinRounds:   mixing.Rounds,
		CoinJoinAmount:   mixing.Amount,
		CoinJoinGoal:     mixing.DenomsGoal,
		CoinJoinHardcap:  mixing.DenomsHardcap,
		AdminSrvAddr:     defaultAdminSrvAddr,
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Do not try to clean the empty string
	if path == "" {
		return ""
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) (*cj.LoggerMaker, error) {
	lm, err := cj.NewLoggerMaker(logWriter{}, debugLevel)
	if err != nil {
		return nil, err
	}
	for subsysID := range lm.Levels {
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return nil, fmt.Errorf(str, subsysID, supportedSubsystems())
		}
	}
	setLoggers(lm)
	return lm, nil
}

// normalizeNetworkAddress checks for a valid local network address format and
// adds default host and port if not present. Invalidates addresses that include
// a protocol identifier.
func normalizeNetworkAddress(a, defaultHost, defaultPort string) (string, error) {
	if strings.Contains(a, "://") {
		return a, fmt.Errorf("address %s contains a protocol identifier, which is not allowed", a)
	}
	if a == "" {
		return net.JoinHostPort(defaultHost, defaultPort), nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		if strings.Contains(err.Error(), "missing port in address") {
			normalized := a + ":" + defaultPort
			host, port, err = net.SplitHostPort(normalized)
			if err != nil {
				return a, fmt.Errorf("unable to address %s after port resolution: %w", normalized, err)
			}
		} else {
			return a, fmt.Errorf("unable to normalize address %s: %w", a, err)
		}
	}
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port), nil
}

// parseMasternodePeer parses a protxhash@host:port@operatorpubkey peer.
func parseMasternodePeer(s string) (*mixer.Masternode, error) {
	parts := strings.Split(s, "@")
	if len(parts) != 3 {
		return nil, fmt.Errorf("masternode peer %q is not of the form protxhash@host:port@pubkey", s)
	}
	proTx, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return nil, fmt.Errorf("bad protx hash in %q: %w", s, err)
	}
	if _, _, err := net.SplitHostPort(parts[1]); err != nil {
		return nil, fmt.Errorf("bad address in %q: %w", s, err)
	}
	pkB, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("bad pubkey encoding in %q: %w", s, err)
	}
	pubKey, err := secp256k1.ParsePubKey(pkB)
	if err != nil {
		return nil, fmt.Errorf("bad pubkey in %q: %w", s, err)
	}
	return &mixer.Masternode{
		ProTxHash: *proTx,
		Addr:      parts[1],
		PubKey:    pubKey,
	}, nil
}

// parseOutPoint parses a txid:index outpoint in the regular tree.
func parseOutPoint(s string) (wire.OutPoint, error) {
	txid, idxStr, found := strings.Cut(s, ":")
	if !found {
		return wire.OutPoint{}, fmt.Errorf("outpoint %q is not of the form txid:index", s)
	}
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("bad outpoint txid %q: %w", txid, err)
	}
	idx, err := strconv.ParseUint(idxStr, 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("bad outpoint index %q: %w", idxStr, err)
	}
	return *wire.NewOutPoint(h, uint32(idx), wire.TxTreeRegular), nil
}

func parseMasternodeConf(cfg *flagsData) (*masternodeConf, error) {
	if cfg.MNOperatorKey == "" || cfg.MNProTxHash == "" || cfg.MNOutPoint == "" {
		return nil, errors.New("--masternode requires --mnoperatorkey, --mnprotxhash and --mnoutpoint")
	}
	keyB, err := hex.DecodeString(cfg.MNOperatorKey)
	if err != nil || len(keyB) != secp256k1.PrivKeyBytesLen {
		return nil, errors.New("invalid masternode operator key")
	}
	proTx, err := chainhash.NewHashFromStr(cfg.MNProTxHash)
	if err != nil {
		return nil, fmt.Errorf("invalid masternode protx hash: %w", err)
	}
	op, err := parseOutPoint(cfg.MNOutPoint)
	if err != nil {
		return nil, err
	}
	return &masternodeConf{
		ProTxHash:   *proTx,
		OutPoint:    op,
		OperatorKey: secp256k1.PrivKeyFromBytes(keyB),
	}, nil
}

// mixingOptions builds the mixing options from the flags.
func mixingOptions(cfg *flagsData) (*mixer.OptionsConfig, error) {
	if cfg.EnableCoinJoin != 0 && cfg.EnableCoinJoin != 1 {
		return nil, fmt.Errorf("invalid --enablecoinjoin value %d", cfg.EnableCoinJoin)
	}
	opts := &mixer.OptionsConfig{
		Enabled:       cfg.EnableCoinJoin == 1,
		MultiSession:  cfg.CoinJoinMulti,
		Sessions:      cfg.CoinJoinSessions,
		Rounds:        cfg.CoinJoinRounds,
		Amount:        cfg.CoinJoinAmount,
		DenomsGoal:    cfg.CoinJoinGoal,
		DenomsHardcap: cfg.CoinJoinHardcap,
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mixing options: %w", err)
	}
	return opts, nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
func loadConfig(args []string) (*cjdConf, error) {
	loadConfigError := func(err error) (*cjdConf, error) {
		return nil, err
	}

	// Default config
	cfg := defaultFlags()

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help message
	// error can be ignored here since they will be caught by the final parse
	// below.
	var preCfg flagsData // zero values as defaults
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			appName, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// If a non-default appdata folder is specified on the command line, the
	// config file defaults to that folder unless it was also specified.
	if preCfg.AppDataDir != "" {
		cfg.AppDataDir, err = filepath.Abs(preCfg.AppDataDir)
		if err != nil {
			return loadConfigError(fmt.Errorf("unable to determine working directory: %w", err))
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Config file name for logging.
	configFile := "NONE (defaults)"

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			return loadConfigError(err)
		}
	} else {
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			parser.WriteHelp(os.Stderr)
			return loadConfigError(err)
		}
		configFile = preCfg.ConfigFile
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.ParseArgs(args)
	if err != nil {
		return loadConfigError(err)
	}

	// Select the network.
	var numNets int
	network := cj.Mainnet
	if cfg.Testnet {
		numNets++
		network = cj.Testnet
	}
	if cfg.Devnet {
		numNets++
		network = cj.Devnet
	}
	if cfg.Regtest {
		numNets++
		network = cj.Regtest
	}
	if numNets > 1 {
		return loadConfigError(errors.New("multiple network flags specified"))
	}

	if cfg.Backend == "" {
		return loadConfigError(errors.New("no --backend specified"))
	}

	// Create the app data directory if it doesn't already exist.
	err = os.MkdirAll(cfg.AppDataDir, 0700)
	if err != nil {
		return loadConfigError(fmt.Errorf("failed to create home directory: %w", err))
	}

	// If datadir or logdir are defaults or non-default relative paths, prepend
	// the appdata directory.
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, defaultDataDirname)
	} else if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, cfg.DataDir)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	} else if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, cfg.LogDir)
	}

	// Namespace the data and log directories by network.
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir), network.String())
	if err = os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return loadConfigError(err)
	}
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir), network.String())

	// Ensure that all specified files are absolute paths, prepending the
	// appdata path if not.
	if !filepath.IsAbs(cfg.RPCCert) {
		cfg.RPCCert = filepath.Join(cfg.AppDataDir, cfg.RPCCert)
	}
	if !filepath.IsAbs(cfg.RPCKey) {
		cfg.RPCKey = filepath.Join(cfg.AppDataDir, cfg.RPCKey)
	}
	if cfg.BackendConfig != "" && !filepath.IsAbs(cfg.BackendConfig) {
		cfg.BackendConfig = filepath.Join(cfg.AppDataDir, cfg.BackendConfig)
	}

	conf := &cjdConf{
		Network:       network,
		DataDir:       cfg.DataDir,
		Backend:       cfg.Backend,
		BackendConfig: cfg.BackendConfig,
		RPCCert:       cfg.RPCCert,
		RPCKey:        cfg.RPCKey,
		PeerTLS:       cfg.PeerTLS || cfg.PeerCert != "",
		PeerCert:      cleanAndExpandPath(cfg.PeerCert),
		AutoStart:     cfg.CoinJoinAutoStart,
		AdminSrvOn:    cfg.AdminSrvOn,
		AdminAddr:     cfg.AdminSrvAddr,
		AdminPW:       []byte(cfg.AdminSrvPW),
	}

	if cfg.Masternode {
		if conf.Masternode, err = parseMasternodeConf(&cfg); err != nil {
			return loadConfigError(err)
		}
		if len(cfg.Listen) == 0 {
			cfg.Listen = []string{""}
		}
		for _, addr := range cfg.Listen {
			listen, err := normalizeNetworkAddress(addr, defaultListenHost, defaultListenPort)
			if err != nil {
				return loadConfigError(err)
			}
			conf.Listen = append(conf.Listen, listen)
		}
		conf.NoTLS = cfg.NoTLS
	} else {
		if conf.Mixing, err = mixingOptions(&cfg); err != nil {
			return loadConfigError(err)
		}
		seen := make(map[chainhash.Hash]bool, len(cfg.Peers))
		for _, s := range cfg.Peers {
			mn, err := parseMasternodePeer(s)
			if err != nil {
				return loadConfigError(err)
			}
			if seen[mn.ProTxHash] {
				return loadConfigError(fmt.Errorf("duplicate masternode peer %s", mn.ProTxHash))
			}
			seen[mn.ProTxHash] = true
			conf.Peers = append(conf.Peers, mn)
		}
	}

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used. This creates the LogDir if needed.
	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	if err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips); err != nil {
		return loadConfigError(err)
	}

	// Parse, validate, and set debug log level(s).
	conf.LogMaker, err = parseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		return loadConfigError(err)
	}

	log.Infof("App data folder: %s", cfg.AppDataDir)
	log.Infof("Data folder:     %s", cfg.DataDir)
	log.Infof("Log folder:      %s", cfg.LogDir)
	log.Infof("Config file:     %s", configFile)

	return conf, nil
}
