package core

import (
	"fmt"
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		AppName          string
		Build            string
		Env              string
		Debug            bool
		TestMode         bool
		WorkDir          string
		SecretKey        string
		RollbarToken     string
		SendgridApiKey   string
		DefaultFromEmail mail.Address
		AdminEmails      []mail.Address
		FrontendBaseURL  string

		Server   ServerConfig
		Database DatabaseConfig
		Sync     SyncConfig
		Offline  OfflineConfig
	}

	ServerConfig struct {
		Host               string
		DebugHost          string
		ShutdownTimeout    time.Duration
		JWTExpirationDelta time.Duration
		RateLimit          float64 // pushes per second per user
		RateBurst          int
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	// SyncConfig holds the server side settings of the sync protocol.
	SyncConfig struct {
		Entities     []string
		MaxBatchSize int
	}

	// OfflineConfig holds the settings of the offline client.
	OfflineConfig struct {
		DBPath         string
		ServerURL      string
		AccessToken    string
		PushTimeout    time.Duration
		BatchDelay     time.Duration
		StatusInterval time.Duration
		PingInterval   time.Duration
		MaxRetries     int
		StartOnline    bool
		LogFile        string
	}
)

func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// NewConfig loads the configuration from the environment.
// ENV selects the environment (DEV by default) and is used as prefix for the variables, e.g. DEV_DATABASE_NAME.
// config/.env.<env> is loaded first when it exists.
func NewConfig(files ...string) *Config {
	v := viper.New()
	setDefaults(v)

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	wd := Getwd()
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	for _, f := range files {
		if f == "" {
			continue
		}
		v.SetConfigFile(f)
		if err := v.MergeInConfig(); err != nil {
			log.Fatalf("config.MergeInConfig(%s): %v", f, err)
		}
	}

	conf := &Config{
		AppName:          v.GetString("app.name"),
		Build:            v.GetString("app.build"),
		Env:              env,
		Debug:            v.GetBool("app.debug"),
		TestMode:         v.GetBool("testMode"),
		WorkDir:          wd,
		SecretKey:        v.GetString("app.secretKey"),
		RollbarToken:     v.GetString("app.rollbarToken"),
		SendgridApiKey:   v.GetString("app.sendgridApiKey"),
		DefaultFromEmail: mail.Address{Name: v.GetString("app.name"), Address: v.GetString("app.defaultFromEmail")},
		AdminEmails:      parseAddresses(v.GetStringSlice("app.adminEmails")),
		FrontendBaseURL:  v.GetString("app.frontendBaseURL"),
		Server: ServerConfig{
			Host:               v.GetString("server.host"),
			DebugHost:          v.GetString("server.debugHost"),
			ShutdownTimeout:    v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta: v.GetDuration("server.jwtExpirationDelta"),
			RateLimit:          v.GetFloat64("server.rateLimit"),
			RateBurst:          v.GetInt("server.rateBurst"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetString("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Sync: SyncConfig{
			Entities:     v.GetStringSlice("sync.entities"),
			MaxBatchSize: v.GetInt("sync.maxBatchSize"),
		},
		Offline: OfflineConfig{
			DBPath:         v.GetString("offline.dbPath"),
			ServerURL:      v.GetString("offline.serverURL"),
			AccessToken:    v.GetString("offline.accessToken"),
			PushTimeout:    v.GetDuration("offline.pushTimeout"),
			BatchDelay:     v.GetDuration("offline.batchDelay"),
			StatusInterval: v.GetDuration("offline.statusInterval"),
			PingInterval:   v.GetDuration("offline.pingInterval"),
			MaxRetries:     v.GetInt("offline.maxRetries"),
			StartOnline:    v.GetBool("offline.startOnline"),
			LogFile:        v.GetString("offline.logFile"),
		},
	}
	if conf.TestMode {
		conf.Database.Name = "test_" + conf.Database.Name
	}
	return conf
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)

	v.SetDefault("app.name", "Masomo")
	v.SetDefault("app.build", "develop")
	v.SetDefault("app.debug", true)
	v.SetDefault("app.secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("app.rollbarToken", "")
	v.SetDefault("app.sendgridApiKey", "")
	v.SetDefault("app.defaultFromEmail", "noreply@localhost")
	v.SetDefault("app.adminEmails", []string{})
	v.SetDefault("app.frontendBaseURL", "http://localhost:3000")

	v.SetDefault("server.host", "0.0.0.0:8000")
	v.SetDefault("server.debugHost", "0.0.0.0:4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.rateLimit", 2.0)
	v.SetDefault("server.rateBurst", 10)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "masomo")
	v.SetDefault("database.user", "masomo")
	v.SetDefault("database.password", "masomo")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("sync.entities", []string{"student", "teacher", "class", "attendance", "task", "payment"})
	v.SetDefault("sync.maxBatchSize", 500)

	v.SetDefault("offline.dbPath", "masomo-offline.db")
	v.SetDefault("offline.serverURL", "http://localhost:8000")
	v.SetDefault("offline.accessToken", "")
	v.SetDefault("offline.pushTimeout", 30*time.Second)
	v.SetDefault("offline.batchDelay", 50*time.Millisecond)
	v.SetDefault("offline.statusInterval", 5*time.Second)
	v.SetDefault("offline.pingInterval", 10*time.Second)
	v.SetDefault("offline.maxRetries", 5)
	v.SetDefault("offline.startOnline", true)
	v.SetDefault("offline.logFile", "")
}

func parseAddresses(raw []string) []mail.Address {
	addrs := make([]mail.Address, 0, len(raw))
	for _, r := range raw {
		for _, s := range strings.Split(r, ",") {
			s = CleanString(s)
			if s == "" {
				continue
			}
			addr, err := mail.ParseAddress(s)
			if err != nil {
				log.Print(fmt.Errorf("config.parseAddresses(%s): %v", s, err))
				continue
			}
			addrs = append(addrs, *addr)
		}
	}
	return addrs
}
