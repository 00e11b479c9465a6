package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nntpvault/nntpvault/pkg/config"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/manager"
	"github.com/nntpvault/nntpvault/pkg/metrics"
	"github.com/nntpvault/nntpvault/pkg/publisher"
	"github.com/nntpvault/nntpvault/pkg/retriever"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nntpvault",
		Short: "Encrypted, replicated folder publication over Usenet",
		Long: `nntpvault turns local directory trees into encrypted, redundantly
replicated, access-controlled publications stored entirely on Usenet
newsgroups, and reconstructs them from an access string.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	home, _ := os.UserHomeDir()
	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		filepath.Join(home, ".nntpvault", "config.yaml"), "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")

	rootCmd.AddCommand(
		initCmd(),
		folderCmd(),
		indexCmd(),
		segmentCmd(),
		uploadCmd(),
		publishCmd(),
		shareCmd(),
		downloadCmd(),
		opCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if kind := errdefs.KindOf(err); kind != errdefs.KindUnknown {
			fmt.Fprintf(os.Stderr, "Kind: %s\n", kind)
		}
		os.Exit(1)
	}
}

// openManager loads config, initializes logging and metrics, and
// wires the runtime.
func openManager() (*manager.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no config at %s (run 'nntpvault init' first)", configPath)
		}
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: cfg.LogJSON})
	metrics.Init()
	return manager.New(cfg)
}

func initCmd() *cobra.Command {
	var displayName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and initialize the user identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				if err := cfg.Save(configPath); err != nil {
					return err
				}
				fmt.Printf("Wrote %s (add your NNTP servers there)\n", configPath)
			}

			log.Init(log.Config{Level: log.Level(logLevel)})
			metrics.Init()
			m, err := manager.New(cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			userID, err := m.InitializeUser(displayName)
			if err != nil {
				return err
			}
			fmt.Printf("User ID: %s\n", userID)
			fmt.Println("This identity cannot be recovered if local state is lost.")
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "Optional display name")
	return cmd
}

func folderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folder",
		Short: "Manage folders",
	}

	var name string
	addCmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a directory for publication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			defer m.Close()

			folder, err := m.AddFolder(args[0], name)
			if err != nil {
				return err
			}
			fmt.Printf("Folder ID: %s\n", folder.ID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "Display name (defaults to directory name)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List managed folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			defer m.Close()

			folders, err := m.ListFolders()
			if err != nil {
				return err
			}
			for _, f := range folders {
				fmt.Printf("%s  %-18s v%-3d %-8s %s\n",
					f.ID, f.State, f.CurrentVersion, f.Name, f.Path)
			}
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd)
	return cmd
}

func indexCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "index <folder-id>",
		Short: "Index (or re-index) a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(func(m *manager.Manager) (string, error) {
				return m.IndexFolder(args[0], force)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Re-hash everything even if unchanged")
	return cmd
}

func segmentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "segment <folder-id>",
		Short: "Segment and pack a folder's files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(func(m *manager.Manager) (string, error) {
				return m.SegmentFolder(args[0])
			})
		},
	}
}

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <folder-id>",
		Short: "Post a folder's segments (resumes if interrupted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(func(m *manager.Manager) (string, error) {
				return m.UploadFolder(args[0])
			})
		},
	}
}

func publishCmd() *cobra.Command {
	var (
		mode         string
		password     string
		users        []string
		expiresIn    time.Duration
		maxDownloads int
	)
	cmd := &cobra.Command{
		Use:   "publish <folder-id>",
		Short: "Publish a folder as a share",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			defer m.Close()

			req := publisher.Request{
				Password:     password,
				Users:        users,
				MaxDownloads: maxDownloads,
			}
			if expiresIn > 0 {
				req.ExpiresAt = time.Now().Add(expiresIn)
			}

			share, token, err := m.PublishFolder(context.Background(), args[0], types.AccessMode(mode), req)
			if err != nil {
				return err
			}
			fmt.Printf("Share ID:      %s\n", share.ID)
			fmt.Printf("Access string: %s\n", token)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "public", "Access mode: public|protected|private")
	cmd.Flags().StringVar(&password, "password", "", "Password for protected mode")
	cmd.Flags().StringSliceVar(&users, "user", nil, "Authorized user id (repeatable, private mode)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Optional share lifetime")
	cmd.Flags().IntVar(&maxDownloads, "max-downloads", 0, "Optional download cap")
	return cmd
}

func shareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Manage shares",
	}

	var folderID string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List shares",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			defer m.Close()

			shares, err := m.ListShares(folderID)
			if err != nil {
				return err
			}
			for _, s := range shares {
				fmt.Printf("%s  %-10s v%-3d folder=%s index_segments=%d\n",
					s.ID, s.AccessMode, s.Version, s.FolderID, len(s.IndexMessageIDs))
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&folderID, "folder", "", "Restrict to one folder")

	var addUsers, removeUsers []string
	authCmd := &cobra.Command{
		Use:   "auth <share-id>",
		Short: "Update a private share's authorized users",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			defer m.Close()

			token, err := m.UpdateShareAuthorization(context.Background(), args[0], addUsers, removeUsers)
			if err != nil {
				return err
			}
			fmt.Printf("New access string: %s\n", token)
			return nil
		},
	}
	authCmd.Flags().StringSliceVar(&addUsers, "add", nil, "User id to authorize (repeatable)")
	authCmd.Flags().StringSliceVar(&removeUsers, "remove", nil, "User id to revoke (repeatable)")

	cmd.AddCommand(listCmd, authCmd)
	return cmd
}

func downloadCmd() *cobra.Command {
	var (
		password  string
		userID    string
		selection []string
		flatten   bool
		skip      bool
		noVerify  bool
	)
	cmd := &cobra.Command{
		Use:   "download <access-string> <destination>",
		Short: "Download a share",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(func(m *manager.Manager) (string, error) {
				opts := retriever.DefaultDownloadOptions()
				opts.PreserveStructure = !flatten
				opts.SkipExisting = skip
				opts.VerifyIntegrity = !noVerify
				opts.Selection = selection
				return m.Download(args[0],
					retriever.Credentials{Password: password, UserID: userID},
					args[1], opts)
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password for protected shares")
	cmd.Flags().StringVar(&userID, "user-id", "", "User id for private shares")
	cmd.Flags().StringSliceVar(&selection, "only", nil, "Restrict to path or directory prefix (repeatable)")
	cmd.Flags().BoolVar(&flatten, "flatten", false, "Do not recreate the directory hierarchy")
	cmd.Flags().BoolVar(&skip, "skip-existing", false, "Keep files that already exist")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip post-download integrity verification")
	return cmd
}

func opCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "op",
		Short: "Inspect and control operations",
	}

	getCmd := &cobra.Command{
		Use:   "get <operation-id>",
		Short: "Show an operation snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			defer m.Close()

			op, err := m.GetOperation(args[0])
			if err != nil {
				return err
			}
			printOperation(op)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			defer m.Close()

			ops, err := m.ListOperations()
			if err != nil {
				return err
			}
			for _, op := range ops {
				printOperation(op)
			}
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <operation-id>",
		Short: "Cancel a running operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			defer m.Close()
			return m.CancelOperation(args[0])
		},
	}

	cmd.AddCommand(getCmd, listCmd, cancelCmd)
	return cmd
}

func printOperation(op *types.Operation) {
	line := fmt.Sprintf("%s  %-9s %-10s %5.1f%%", op.ID, op.Type, op.State, op.Progress*100)
	if op.Error != "" {
		line += "  " + strings.ReplaceAll(op.Error, "\n", " ")
	}
	fmt.Println(line)
}

// runOperation starts an operation and blocks until it reaches a
// terminal state, rendering progress.
func runOperation(start func(m *manager.Manager) (string, error)) error {
	m, err := openManager()
	if err != nil {
		return err
	}
	defer m.Close()

	opID, err := start(m)
	if err != nil {
		return err
	}
	fmt.Printf("Operation: %s\n", opID)

	for {
		op, err := m.GetOperation(opID)
		if err != nil {
			return err
		}
		fmt.Printf("\r%-10s %5.1f%%", op.State, op.Progress*100)
		if op.State.Terminal() {
			fmt.Println()
			if op.State == types.OperationStateCompleted {
				return nil
			}
			return fmt.Errorf("operation %s: %s", op.State, op.Error)
		}
		time.Sleep(500 * time.Millisecond)
	}
}
