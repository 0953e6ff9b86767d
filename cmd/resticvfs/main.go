package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"resticvfs/internal/app"
	"resticvfs/internal/config"
	"resticvfs/internal/encryption"
	"resticvfs/internal/vfs"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "ls", "mount").
func newApp(operation string) (*app.App, error) {
	cfg, _, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewApp(cfg, operation, newTerminalPrompter())
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

func readConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// signalContext is cancelled on SIGINT or SIGTERM so transfers and mounts
// stop cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:          "resticvfs",
	Short:        "Browse restic repositories as a virtual filesystem",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if cacheType, _ := cmd.Flags().GetString("cache"); cacheType != "" {
			cfg.Cache.Type = cacheType
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Cache:    %s\n", cfg.Cache.Type)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Log Level: %s\n", cfg.Log.Level)
		fmt.Printf("Restic:    %s\n", cfg.Backend.Binary)
		fmt.Printf("Cache:     %s %s\n", cfg.Cache.Type, cfg.Cache.Dir)
		fmt.Printf("Keyring:   %s\n", cfg.Keyring.PublicKeyPath)
		fmt.Printf("Repositories: %d\n", len(cfg.Repositories))
		return nil
	},
}

// keyring command
var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "Manage the keyring that seals password files",
}

var keyringInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the keyring key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		keyring, err := encryption.NewKeyringFromConfig(cfg.Keyring)
		if err != nil {
			return err
		}
		if keyring.IsConfigured() {
			return fmt.Errorf("keyring already exists at %s", cfg.Keyring.PrivateKeyPath)
		}

		ctx, cancel := signalContext()
		defer cancel()
		passphrase, err := confirmPassword(ctx, newTerminalPrompter(), "New keyring passphrase: ")
		if err != nil {
			return err
		}
		defer clear(passphrase)

		if err := keyring.Setup(string(passphrase)); err != nil {
			return fmt.Errorf("creating keyring: %w", err)
		}
		fmt.Printf("Keyring created at %s\n", cfg.Keyring.PrivateKeyPath)
		return nil
	},
}

// repo command
var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage repositories",
}

var repoAddCmd = &cobra.Command{
	Use:   "add NAME LOCATION",
	Short: "Register a restic repository",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, location := args[0], args[1]
		passwordFile, _ := cmd.Flags().GetString("password-file")
		seal, _ := cmd.Flags().GetBool("seal")

		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		if seal {
			if passwordFile == "" {
				passwordFile = filepath.Join(cfg.BaseDir, "passwords", name+".age")
			}
			if err := sealPassword(cfg, name, passwordFile); err != nil {
				return err
			}
		} else if passwordFile != "" {
			abs, err := filepath.Abs(passwordFile)
			if err != nil {
				return fmt.Errorf("resolving password file: %w", err)
			}
			passwordFile = abs
		}

		repo := config.RepositoryConfig{Name: name, Location: location, PasswordFile: passwordFile}
		if err := config.Update(path, func(c *config.Config) error {
			return c.AddRepository(repo)
		}); err != nil {
			return fmt.Errorf("adding repository: %w", err)
		}

		fmt.Printf("Repository %s added (%s)\n", name, location)
		if passwordFile == "" {
			fmt.Println("The password will be prompted for on first access.")
		}
		return nil
	},
}

// sealPassword prompts for the repository password and writes it sealed
// with the keyring to dest.
func sealPassword(cfg *config.Config, name, dest string) error {
	keyring, err := encryption.NewKeyringFromConfig(cfg.Keyring)
	if err != nil {
		return err
	}
	if !keyring.IsConfigured() {
		return errors.New("keyring not initialized, run 'resticvfs keyring init' first")
	}

	ctx, cancel := signalContext()
	defer cancel()
	password, err := confirmPassword(ctx, newTerminalPrompter(), fmt.Sprintf("Password for repository %s: ", name))
	if err != nil {
		return err
	}
	defer clear(password)

	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return fmt.Errorf("creating password directory: %w", err)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating password file: %w", err)
	}
	if err := keyring.Seal(password, f); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("sealing password: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("closing password file: %w", err)
	}
	return nil
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		if len(cfg.Repositories) == 0 {
			fmt.Println("No repositories configured.")
			return nil
		}
		for _, r := range cfg.Repositories {
			pw := "prompt"
			if r.PasswordFile != "" {
				pw = r.PasswordFile
			}
			fmt.Printf("%-15s  %s  password:%s\n", r.Name, r.Location, pw)
		}
		return nil
	},
}

// ls command
var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "List a directory of the virtual namespace",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		long, _ := cmd.Flags().GetBool("long")

		a, err := newApp("ls")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		target := "/"
		if len(args) > 0 {
			target = args[0]
		}
		for _, e := range a.ListDir(ctx, target) {
			printEntry(e, long)
		}
		return nil
	},
}

func printEntry(e vfs.VirtualEntry, long bool) {
	name := e.Name
	if e.IsDir() {
		name += "/"
	}
	if !long {
		fmt.Println(name)
		return
	}
	snapshot := e.SnapshotID
	if snapshot == "" {
		snapshot = "-"
	}
	fmt.Printf("%-8s  %12d  %s  %-8s  %s\n",
		e.Kind,
		e.Size,
		e.ModTime.Format("2006-01-02 15:04:05"),
		snapshot,
		name,
	)
}

// get command
var getCmd = &cobra.Command{
	Use:   "get REMOTE LOCAL",
	Short: "Copy one file out of the virtual namespace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		resume, _ := cmd.Flags().GetBool("resume")
		quiet, _ := cmd.Flags().GetBool("quiet")

		a, err := newApp("get")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		opts := vfs.GetOptions{Overwrite: overwrite, Resume: resume}
		if !quiet {
			last := -1
			opts.Progress = func(percent int) bool {
				if percent != last {
					last = percent
					fmt.Fprintf(os.Stderr, "\r%3d%%", percent)
				}
				return ctx.Err() == nil
			}
		}

		err = a.GetFile(ctx, args[0], args[1], opts)
		if !quiet {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			return fmt.Errorf("get failed: %w", err)
		}
		fmt.Printf("Copied %s\n", args[1])
		return nil
	},
}

// cp command
var cpCmd = &cobra.Command{
	Use:   "cp REMOTE LOCALDIR",
	Short: "Copy a directory out of the virtual namespace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		a, err := newApp("cp")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		count, err := a.CopyDir(ctx, args[0], args[1], overwrite)
		if err != nil {
			return fmt.Errorf("copy failed after %d file(s): %w", count, err)
		}
		fmt.Printf("Copied %d file(s)\n", count)
		return nil
	},
}

// versions command
var versionsCmd = &cobra.Command{
	Use:   "versions PATH",
	Short: "List the versions of a file in the all-files view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("versions")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		entries := a.Versions(ctx, args[0])
		if len(entries) == 0 {
			fmt.Println("No versions found.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  %12d  %s\n",
				e.SnapshotID,
				e.ModTime.Format("2006-01-02 15:04:05"),
				e.Size,
				e.Name,
			)
		}
		return nil
	},
}

// cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the directory listing cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge REPO",
	Short: "Drop cached listings of snapshots that no longer exist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("cache-purge")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		n, err := a.PurgeCache(ctx, args[0])
		if err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}
		fmt.Printf("Removed %d cached listing(s)\n", n)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear REPO",
	Short: "Drop every cached listing of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("cache-clear")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ClearCache(args[0]); err != nil {
			return fmt.Errorf("clear failed: %w", err)
		}
		fmt.Printf("Cache cleared for %s\n", args[0])
		return nil
	},
}

// mount command
var mountCmd = &cobra.Command{
	Use:   "mount MOUNTPOINT",
	Short: "Mount the virtual namespace read-only",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")

		a, err := newApp("mount")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("Serving %s, press Ctrl-C to unmount\n", args[0])
		return a.Mount(ctx, args[0], debug)
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("cache", "", "Cache type (sqlite, badger, memory, none)")
	configCmd.AddCommand(configListCmd)

	// keyring subcommands
	keyringCmd.AddCommand(keyringInitCmd)

	// repo subcommands
	repoCmd.AddCommand(repoAddCmd)
	repoAddCmd.Flags().String("password-file", "", "File holding the repository password")
	repoAddCmd.Flags().Bool("seal", false, "Prompt for the password and store it sealed with the keyring")
	repoCmd.AddCommand(repoListCmd)

	// cache subcommands
	cacheCmd.AddCommand(cachePurgeCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keyringCmd)
	rootCmd.AddCommand(repoCmd)
	rootCmd.AddCommand(lsCmd)
	lsCmd.Flags().BoolP("long", "l", false, "Show kind, size, time and snapshot")
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().BoolP("overwrite", "f", false, "Replace an existing local file")
	getCmd.Flags().Bool("resume", false, "Resume a partial download")
	getCmd.Flags().BoolP("quiet", "q", false, "Do not print progress")
	rootCmd.AddCommand(cpCmd)
	cpCmd.Flags().BoolP("overwrite", "f", false, "Replace existing local files")
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(mountCmd)
	mountCmd.Flags().Bool("debug", false, "Log every filesystem request")
}
