// Command chatcli 是会话服务的命令行客户端。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/chzyer/readline"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"saha-ai-go/pkg/chatclient"
)

type app struct {
	serverURL string
	tokenFile string

	client  *chatclient.Client
	session *chatclient.Session
}

func main() {
	// .env 不存在时忽略
	_ = godotenv.Load()

	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "chatcli",
		Short:         "Command line client for the Saha AI chat service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.serverURL, "server", envOr("SAHA_SERVER", "http://localhost:8080"), "server base URL")
	rootCmd.PersistentFlags().StringVar(&a.tokenFile, "token-file", "", "file used to persist the login token")

	rootCmd.AddCommand(
		a.registerCmd(),
		a.loginCmd(),
		a.logoutCmd(),
		a.chatsCmd(),
		a.newCmd(),
		a.showCmd(),
		a.renameCmd(),
		a.deleteCmd(),
		a.chatCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func (a *app) init() error {
	if a.tokenFile == "" {
		p, err := chatclient.DefaultTokenPath()
		if err != nil {
			return err
		}
		a.tokenFile = p
	}
	a.client = chatclient.NewClient(a.serverURL)
	a.session = chatclient.NewSession(a.client, chatclient.FileTokenStore{Path: a.tokenFile})
	return nil
}

// requireLogin 恢复保存的 token，未登录时返回错误。
func (a *app) requireLogin(ctx context.Context) error {
	ok, err := a.session.Init(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("not logged in, run `chatcli login` first")
	}
	return nil
}

func (a *app) registerCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := askCredentials(&username, &password); err != nil {
				return err
			}
			p, err := a.client.Register(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			printInfo("registered %s (id %d)", p.Username, p.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (prompted when empty)")
	return cmd
}

func (a *app) loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and remember the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := askCredentials(&username, &password); err != nil {
				return err
			}
			p, err := a.session.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			printInfo("logged in as %s", p.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (prompted when empty)")
	return cmd
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the token and forget it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.session.Init(cmd.Context()); err != nil {
				return err
			}
			if !a.session.Authenticated() {
				printInfo("not logged in")
				return nil
			}
			if err := a.session.Logout(cmd.Context()); err != nil {
				return err
			}
			printInfo("logged out")
			return nil
		},
	}
}

func (a *app) chatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List chats, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(cmd.Context()); err != nil {
				return err
			}
			chats, err := a.client.ListChats(cmd.Context())
			if err != nil {
				return err
			}
			printChats(chats, "")
			return nil
		},
	}
}

func (a *app) newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new [title]",
		Short: "Create an empty chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(cmd.Context()); err != nil {
				return err
			}
			chat, err := a.client.CreateChat(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			printInfo("created %s (%s)", chat.ID, chat.Title)
			return nil
		},
	}
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <chat-id>",
		Short: "Print a chat transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(cmd.Context()); err != nil {
				return err
			}
			detail, err := a.client.GetChat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			titleColor.Println(detail.Chat.Title)
			for _, m := range detail.Messages {
				printEntry(chatclient.Entry{Sender: m.Sender, Content: m.Content, Confirmed: true})
			}
			return nil
		},
	}
}

func (a *app) renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <chat-id> <title>",
		Short: "Rename a chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(cmd.Context()); err != nil {
				return err
			}
			conv := chatclient.NewConversation(a.client)
			if err := conv.RenameChat(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
				return err
			}
			printChats(conv.Chats(), args[0])
			return nil
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chat-id>",
		Short: "Delete a chat and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(cmd.Context()); err != nil {
				return err
			}
			if err := a.client.DeleteChat(cmd.Context(), args[0]); err != nil {
				return err
			}
			printInfo("deleted %s", args[0])
			return nil
		},
	}
}

func (a *app) chatCmd() *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		Long: "Interactive chat session. Commands: /new, /chats, /open <id>, " +
			"/rename <title>, /delete, /quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			conv := chatclient.NewConversation(a.client)
			if err := conv.RefreshChats(ctx); err != nil {
				return err
			}
			if chatID != "" {
				if err := a.openChat(ctx, conv, chatID); err != nil {
					return err
				}
			}
			return a.repl(ctx, conv)
		},
	}
	cmd.Flags().StringVar(&chatID, "id", "", "continue an existing chat")
	return cmd
}

func (a *app) repl(ctx context.Context, conv *chatclient.Conversation) error {
	rl, err := newPrompt(filepath.Join(filepath.Dir(a.tokenFile), "history"))
	if err != nil {
		return err
	}
	defer rl.Close()

	printInfo("type a message, or /help")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := a.command(ctx, conv, line)
			if err != nil {
				printError(err)
			}
			if quit {
				return nil
			}
			continue
		}

		if _, err := conv.Submit(ctx, line); err != nil {
			printError(err)
		}
		transcript := conv.Transcript()
		if n := len(transcript); n > 0 {
			printEntry(transcript[n-1])
		}
	}
}

func (a *app) command(ctx context.Context, conv *chatclient.Conversation, line string) (bool, error) {
	name, arg := splitCommand(line)
	switch name {
	case "quit", "exit", "q":
		return true, nil
	case "new":
		conv.NewChat()
		printInfo("new chat, it is created when you send the first message")
	case "chats":
		if err := conv.RefreshChats(ctx); err != nil {
			return false, err
		}
		printChats(conv.Chats(), conv.ActiveChatID())
	case "open":
		if arg == "" {
			return false, errors.New("usage: /open <chat-id>")
		}
		return false, a.openChat(ctx, conv, arg)
	case "rename":
		id := conv.ActiveChatID()
		if id == "" {
			return false, errors.New("no active chat")
		}
		return false, conv.RenameChat(ctx, id, arg)
	case "delete":
		id := conv.ActiveChatID()
		if id == "" {
			return false, errors.New("no active chat")
		}
		if err := conv.DeleteChat(ctx, id); err != nil {
			return false, err
		}
		printInfo("deleted %s", id)
	case "help":
		printInfo("/new  /chats  /open <id>  /rename <title>  /delete  /quit")
	default:
		return false, fmt.Errorf("unknown command /%s", name)
	}
	return false, nil
}

func (a *app) openChat(ctx context.Context, conv *chatclient.Conversation, chatID string) error {
	if err := conv.SelectChat(ctx, chatID); err != nil {
		return err
	}
	for _, e := range conv.Transcript() {
		printEntry(e)
	}
	return nil
}

func askCredentials(username, password *string) error {
	var qs []*survey.Question
	if *username == "" {
		qs = append(qs, &survey.Question{Name: "username", Prompt: &survey.Input{Message: "Username:"}, Validate: survey.Required})
	}
	if *password == "" {
		qs = append(qs, &survey.Question{Name: "password", Prompt: &survey.Password{Message: "Password:"}, Validate: survey.Required})
	}
	if len(qs) == 0 {
		return nil
	}
	answers := struct {
		Username string `survey:"username"`
		Password string `survey:"password"`
	}{Username: *username, Password: *password}
	if err := survey.Ask(qs, &answers); err != nil {
		return err
	}
	*username, *password = answers.Username, answers.Password
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
