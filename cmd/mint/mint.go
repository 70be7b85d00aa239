package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cashu-mint/mint/cashu/nuts/nut06"
	"github.com/cashu-mint/mint/mint"
	"github.com/cashu-mint/mint/mint/lightning"
	"github.com/cashu-mint/mint/mint/manager"
	"github.com/joho/godotenv"
)

type envConfig struct {
	mint   mint.Config
	server mint.ServerConfig
}

func configFromEnv() (*envConfig, error) {
	var inputFeePpk uint = 0
	if inputFeeEnv, ok := os.LookupEnv("INPUT_FEE_PPK"); ok {
		fee, err := strconv.ParseUint(inputFeeEnv, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid INPUT_FEE_PPK: %v", err)
		}
		inputFeePpk = uint(fee)
	}

	var derivationPathIdx uint64
	if rotateEnv, ok := os.LookupEnv("DERIVATION_PATH_IDX"); ok {
		idx, err := strconv.ParseUint(rotateEnv, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid DERIVATION_PATH_IDX: %v", err)
		}
		derivationPathIdx = idx
	}

	port, err := strconv.Atoi(os.Getenv("MINT_PORT"))
	if err != nil {
		port = 3338
	}

	mintPath := os.Getenv("MINT_DB_PATH")
	// if MINT_DB_PATH is empty, use $HOME/.cashu-mint/mint
	if len(mintPath) == 0 {
		homedir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		mintPath = filepath.Join(homedir, ".cashu-mint", "mint")
	}

	mintLimits := mint.MintLimits{}
	if maxBalanceEnv, ok := os.LookupEnv("MAX_BALANCE"); ok {
		maxBalance, err := strconv.ParseUint(maxBalanceEnv, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_BALANCE: %v", err)
		}
		mintLimits.MaxBalance = maxBalance
	}

	if maxMintEnv, ok := os.LookupEnv("MINTING_MAX_AMOUNT"); ok {
		maxMint, err := strconv.ParseUint(maxMintEnv, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MINTING_MAX_AMOUNT: %v", err)
		}
		mintLimits.MintingSettings = mint.MintMethodSettings{MaxAmount: maxMint}
	}

	if maxMeltEnv, ok := os.LookupEnv("MELTING_MAX_AMOUNT"); ok {
		maxMelt, err := strconv.ParseUint(maxMeltEnv, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MELTING_MAX_AMOUNT: %v", err)
		}
		mintLimits.MeltingSettings = mint.MeltMethodSettings{MaxAmount: maxMelt}
	}

	mintInfo := mint.MintInfo{
		Name:            os.Getenv("MINT_NAME"),
		Description:     os.Getenv("MINT_DESCRIPTION"),
		LongDescription: os.Getenv("MINT_DESCRIPTION_LONG"),
		Motd:            os.Getenv("MINT_MOTD"),
	}

	contact := os.Getenv("MINT_CONTACT_INFO")
	var mintContactInfo []nut06.ContactInfo
	if len(contact) > 0 {
		var infoArr [][]string
		if err := json.Unmarshal([]byte(contact), &infoArr); err != nil {
			return nil, fmt.Errorf("error parsing contact info: %v", err)
		}

		for _, info := range infoArr {
			mintContactInfo = append(mintContactInfo, nut06.ContactInfo{Method: info[0], Info: info[1]})
		}
	}
	mintInfo.Contact = mintContactInfo

	if len(os.Getenv("MINT_ICON_URL")) > 0 {
		iconURL, err := url.Parse(os.Getenv("MINT_ICON_URL"))
		if err != nil {
			return nil, fmt.Errorf("invalid icon url: %v", err)
		}
		mintInfo.IconURL = iconURL.String()
	}

	urls := os.Getenv("MINT_URLS")
	if len(urls) > 0 {
		var urlList []string
		if err := json.Unmarshal([]byte(urls), &urlList); err != nil {
			return nil, fmt.Errorf("error parsing list of URLs: %v", err)
		}
		for _, urlString := range urlList {
			mintURL, err := url.Parse(urlString)
			if err != nil {
				return nil, fmt.Errorf("invalid url: %v", err)
			}
			mintInfo.URLs = append(mintInfo.URLs, mintURL.String())
		}
	}

	lightningClient, err := lightningClientFromEnv()
	if err != nil {
		return nil, err
	}

	logLevel := mint.Info
	if strings.ToLower(os.Getenv("LOG")) == "debug" {
		logLevel = mint.Debug
	}

	reconcileInterval := mint.DefaultReconcileInterval
	if reconcileEnv, ok := os.LookupEnv("MELT_RECONCILE_SECONDS"); ok {
		seconds, err := strconv.Atoi(reconcileEnv)
		if err != nil {
			return nil, fmt.Errorf("invalid MELT_RECONCILE_SECONDS: %v", err)
		}
		reconcileInterval = time.Duration(seconds) * time.Second
	}

	var meltTimeout *time.Duration
	if timeoutEnv, ok := os.LookupEnv("MELT_TIMEOUT_SECONDS"); ok {
		seconds, err := strconv.Atoi(timeoutEnv)
		if err != nil {
			return nil, fmt.Errorf("invalid MELT_TIMEOUT_SECONDS: %v", err)
		}
		timeout := time.Duration(seconds) * time.Second
		meltTimeout = &timeout
	}

	return &envConfig{
		mint: mint.Config{
			MintPath:          mintPath,
			LogLevel:          logLevel,
			DerivationPathIdx: uint32(derivationPathIdx),
			InputFeePpk:       inputFeePpk,
			Limits:            mintLimits,
			LightningClient:   lightningClient,
			MintInfo:          mintInfo,
			ReconcileInterval: reconcileInterval,
		},
		server: mint.ServerConfig{
			Port:        port,
			MeltTimeout: meltTimeout,
		},
	}, nil
}

func lightningClientFromEnv() (lightning.Client, error) {
	switch os.Getenv("LIGHTNING_BACKEND") {
	case "Lnd":
		return lightning.CreateLndClient()
	case "CLN":
		restURL := os.Getenv("CLN_REST_URL")
		if restURL == "" {
			return nil, errors.New("CLN_REST_URL cannot be empty")
		}
		rune := os.Getenv("CLN_RUNE")
		if rune == "" {
			return nil, errors.New("CLN_RUNE cannot be empty")
		}
		return lightning.SetupCLNClient(lightning.CLNConfig{RestURL: restURL, Rune: rune})
	case "Lnbits":
		host := os.Getenv("LNBITS_HOST")
		adminKey := os.Getenv("LNBITS_ADMIN_KEY")
		invoiceKey := os.Getenv("LNBITS_INVOICE_KEY")
		if host == "" || adminKey == "" || invoiceKey == "" {
			return nil, errors.New("LNBITS_HOST, LNBITS_ADMIN_KEY and LNBITS_INVOICE_KEY cannot be empty")
		}
		return lightning.NewLnbits(host, adminKey, invoiceKey), nil
	case "Alby":
		accessToken := os.Getenv("ALBY_ACCESS_TOKEN")
		if accessToken == "" {
			return nil, errors.New("ALBY_ACCESS_TOKEN cannot be empty")
		}
		return lightning.NewAlby(accessToken), nil
	case "Strike":
		apiKey := os.Getenv("STRIKE_API_KEY")
		accountId := os.Getenv("STRIKE_ACCOUNT_ID")
		if apiKey == "" || accountId == "" {
			return nil, errors.New("STRIKE_API_KEY and STRIKE_ACCOUNT_ID cannot be empty")
		}
		return lightning.NewStrike(apiKey, accountId), nil
	case "FakeBackend":
		return &lightning.FakeBackend{}, nil
	default:
		return nil, errors.New("invalid or missing LIGHTNING_BACKEND")
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Print("no .env file found, reading configuration from the environment")
	}

	config, err := configFromEnv()
	if err != nil {
		log.Fatalf("error reading config: %v", err)
	}

	m, err := mint.LoadMint(config.mint)
	if err != nil {
		log.Fatalf("error loading mint: %v\n", err)
	}

	mintServer := mint.SetupMintServer(m, config.server)

	var adminServer *manager.Server
	if strings.ToLower(os.Getenv("ENABLE_ADMIN_SERVER")) == "true" {
		adminServer, err = manager.SetupServer(m)
		if err != nil {
			log.Fatalf("error setting up admin server: %v\n", err)
		}
		go func() {
			if err := adminServer.Start(); err != nil {
				log.Printf("admin server error: %v", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sigs
		if adminServer != nil {
			if err := adminServer.Shutdown(); err != nil {
				log.Printf("error during admin server shutdown: %v", err)
			}
		}
		if err := mintServer.Shutdown(); err != nil {
			log.Printf("error during shutdown: %v", err)
		}
	}()

	if err := mintServer.Start(); err != nil {
		log.Fatalf("error running mint: %v\n", err)
	}
}
