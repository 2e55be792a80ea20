package main

import (
	"fmt"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"saha-ai-go/pkg/chatclient"
)

var (
	userColor   = color.New(color.Bold)
	aiColor     = color.New(color.FgCyan)
	errorColor  = color.New(color.FgRed)
	infoColor   = color.New(color.FgHiBlack)
	titleColor  = color.New(color.FgMagenta, color.Bold)
	promptColor = color.New(color.FgHiBlue)
)

func printEntry(e chatclient.Entry) {
	switch e.Sender {
	case chatclient.SenderUser:
		userColor.Print("you> ")
		fmt.Println(e.Content)
	default:
		if !e.Confirmed {
			errorColor.Println("ai> " + e.Content)
			return
		}
		aiColor.Print("ai> ")
		fmt.Println(e.Content)
	}
}

func printChats(chats []chatclient.Chat, activeID string) {
	if len(chats) == 0 {
		infoColor.Println("(no chats)")
		return
	}
	for _, c := range chats {
		marker := "  "
		if c.ID == activeID {
			marker = "* "
		}
		fmt.Printf("%s%s  ", marker, c.ID)
		titleColor.Print(c.Title)
		infoColor.Printf("  %s\n", c.LastActivityAt.Local().Format("2006-01-02 15:04"))
	}
}

func printInfo(format string, args ...any) {
	infoColor.Printf(format+"\n", args...)
}

func printError(err error) {
	errorColor.Printf("error: %v\n", err)
}

// newPrompt 创建交互式输入，历史记录保存在 historyFile。
func newPrompt(historyFile string) (*readline.Instance, error) {
	return readline.NewEx(&readline.Config{
		Prompt:            promptColor.Sprint("> "),
		InterruptPrompt:   "^C",
		EOFPrompt:         "/quit",
		HistoryFile:       historyFile,
		HistorySearchFold: true,
	})
}

// splitCommand 将 "/open abc" 拆分为 ("open", "abc")。
func splitCommand(line string) (string, string) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "/")
	name, arg, _ := strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}
