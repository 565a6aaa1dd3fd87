package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"Neural-Reflexion/internal/agent"
	"Neural-Reflexion/internal/bootstrap"
	"Neural-Reflexion/internal/config"
	"Neural-Reflexion/internal/export"
	"Neural-Reflexion/pkg/logger"
	"Neural-Reflexion/sdk/go/reflexion"
)

const defaultServer = "http://127.0.0.1:8080"

func newApp(stdout, stderr io.Writer) *cli.App {
	serverFlag := &cli.StringFlag{
		Name:    "server",
		Usage:   "reflexiond 的地址",
		Value:   defaultServer,
		EnvVars: []string{"REFLEXION_SERVER"},
	}
	tokenFlag := &cli.StringFlag{
		Name:    "token",
		Usage:   "访问 reflexiond 的 Bearer Token",
		EnvVars: []string{"REFLEXION_TOKEN"},
	}
	formatFlag := &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "导出格式: markdown|html|json|text",
		Value:   string(export.FormatMarkdown),
	}

	return &cli.App{
		Name:      "reflexion",
		Usage:     "运行反思循环或管理 reflexiond 上的任务",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径",
				EnvVars: []string{config.EnvConfigPath},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "在本地执行一次反思循环并输出结果",
				ArgsUsage: "<prompt>",
				Flags: []cli.Flag{
					formatFlag,
					&cli.IntFlag{Name: "max-iterations", Usage: "覆盖配置中的最大修订轮数"},
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "结果写入的文件，默认标准输出"},
					&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "不打印进度"},
				},
				Action: runLocal,
			},
			{
				Name:      "submit",
				Usage:     "向 reflexiond 提交任务",
				ArgsUsage: "<prompt>",
				Flags: []cli.Flag{
					serverFlag,
					tokenFlag,
					&cli.IntFlag{Name: "max-iterations", Usage: "覆盖服务端的最大修订轮数"},
					&cli.BoolFlag{Name: "wait", Usage: "等待任务结束"},
					&cli.DurationFlag{Name: "interval", Usage: "等待时的轮询间隔", Value: 2 * time.Second},
				},
				Action: submitRemote,
			},
			{
				Name:      "get",
				Usage:     "查看任务详情",
				ArgsUsage: "<id>",
				Flags:     []cli.Flag{serverFlag, tokenFlag},
				Action:    getRemote,
			},
			{
				Name:  "list",
				Usage: "列出历史任务",
				Flags: []cli.Flag{
					serverFlag,
					tokenFlag,
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.StringSliceFlag{Name: "status", Usage: "按状态过滤，可重复"},
					&cli.StringFlag{Name: "query", Usage: "按问题子串过滤"},
				},
				Action: listRemote,
			},
			{
				Name:      "export",
				Usage:     "导出任务的答案或轨迹",
				ArgsUsage: "<id>",
				Flags:     []cli.Flag{serverFlag, tokenFlag, formatFlag},
				Action:    exportRemote,
			},
			{
				Name:      "cancel",
				Usage:     "取消任务",
				ArgsUsage: "<id>",
				Flags:     []cli.Flag{serverFlag, tokenFlag},
				Action:    cancelRemote,
			},
			{
				Name:      "compare",
				Usage:     "对比两个任务",
				ArgsUsage: "<left-id> <right-id>",
				Flags:     []cli.Flag{serverFlag, tokenFlag},
				Action:    compareRemote,
			},
			{
				Name:   "status",
				Usage:  "查看服务端 provider 与凭据状态",
				Flags:  []cli.Flag{serverFlag, tokenFlag},
				Action: statusRemote,
			},
		},
		// 退出码交给 main 处理。
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func runLocal(c *cli.Context) error {
	prompt := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if prompt == "" {
		return cli.Exit("需要提供问题", 2)
	}
	format, err := export.ParseFormat(c.String("format"))
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.ResolvePath(c.String("config")))
	if err != nil {
		return err
	}
	logCfg := bootstrap.LoggerConfig(cfg.Logging)
	logCfg.OutputPaths = []string{"stderr"}
	if isTerminal(os.Stderr) {
		logCfg.Format = "text"
	}
	if err := logger.Init(logCfg); err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	client, err := bootstrap.OpenRedis(c.Context, cfg)
	if err != nil {
		return err
	}
	var rdb goredis.UniversalClient
	if client != nil {
		defer client.Close()
		rdb = client
	}

	var opts []agent.Option
	if !c.Bool("quiet") {
		opts = append(opts, agent.WithObserver(progressPrinter(c.App.ErrWriter)))
	}
	a, err := bootstrap.NewAgent(c.Context, cfg, nil, rdb, opts...)
	if err != nil {
		return err
	}

	state, runErr := a.Run(c.Context, agent.RunRequest{
		Prompt:        prompt,
		MaxIterations: c.Int("max-iterations"),
	})
	if state != nil && state.Answer != "" {
		body, err := export.Render(state, format)
		if err != nil {
			return err
		}
		if err := writeOutput(c, body); err != nil {
			return err
		}
	}
	return runErr
}

// progressPrinter 把状态迁移逐行写到 w。
func progressPrinter(w io.Writer) func(agent.Event) {
	return func(evt agent.Event) {
		switch evt.Phase {
		case agent.PhaseStopped:
			fmt.Fprintf(w, "[%d] %s (%s)\n", evt.Iteration, evt.Phase, evt.StopReason)
		case agent.PhaseTooling, agent.PhaseRevising:
			if evt.Score > 0 {
				fmt.Fprintf(w, "[%d] %s score=%.2f\n", evt.Iteration, evt.Phase, evt.Score)
				return
			}
			fmt.Fprintf(w, "[%d] %s\n", evt.Iteration, evt.Phase)
		default:
			fmt.Fprintf(w, "[%d] %s\n", evt.Iteration, evt.Phase)
		}
	}
}

func writeOutput(c *cli.Context, body []byte) error {
	if path := c.String("output"); path != "" {
		return os.WriteFile(path, body, 0o644)
	}
	_, err := c.App.Writer.Write(body)
	if err == nil && len(body) > 0 && body[len(body)-1] != '\n' {
		_, err = io.WriteString(c.App.Writer, "\n")
	}
	return err
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func newClient(c *cli.Context) (*reflexion.Client, error) {
	client, err := reflexion.NewClient(c.String("server"), &http.Client{Timeout: reflexion.DefaultHTTPTimeout})
	if err != nil {
		return nil, err
	}
	client.SetToken(c.String("token"))
	return client, nil
}

func submitRemote(c *cli.Context) error {
	prompt := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if prompt == "" {
		return cli.Exit("需要提供问题", 2)
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	t, err := client.SubmitRun(c.Context, reflexion.RunSubmission{
		Prompt:        prompt,
		MaxIterations: c.Int("max-iterations"),
	})
	if err != nil {
		return err
	}
	if c.Bool("wait") {
		t, err = client.WaitForCompletion(c.Context, t.ID, c.Duration("interval"))
		if err != nil {
			return err
		}
	}
	return printJSON(c.App.Writer, t)
}

func getRemote(c *cli.Context) error {
	id, err := requireArg(c, "id")
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	t, err := client.GetRun(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, t)
}

func listRemote(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	tasks, err := client.ListRuns(c.Context, reflexion.ListOptions{
		Limit:    c.Int("limit"),
		Statuses: c.StringSlice("status"),
		Query:    c.String("query"),
	})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%.2f\t%s\n", t.ID, t.Status, t.Run.FinalScore(), truncate(t.Prompt, 60))
	}
	return nil
}

func exportRemote(c *cli.Context) error {
	id, err := requireArg(c, "id")
	if err != nil {
		return err
	}
	format, err := export.ParseFormat(c.String("format"))
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	body, err := client.Export(c.Context, id, string(format))
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(body)
	return err
}

func cancelRemote(c *cli.Context) error {
	id, err := requireArg(c, "id")
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	t, err := client.CancelRun(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\t%s\n", t.ID, t.Status)
	return nil
}

func compareRemote(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return cli.Exit("需要两个任务 ID", 2)
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	cmp, err := client.Compare(c.Context, c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, cmp)
}

func statusRemote(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	status, err := client.Status(c.Context)
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "llm: %s\nsearch: %s\nstore: %s\nqueue: %s\n",
		status.LLMProvider, status.SearchProvider, status.TaskStore, status.TaskQueue)
	for _, cred := range status.Credentials {
		mark := "missing"
		if cred.Present {
			mark = "ok"
		}
		fmt.Fprintf(w, "  %-8s %-16s %s\n", cred.Name, cred.EnvVar, mark)
	}
	return nil
}

func requireArg(c *cli.Context, name string) (string, error) {
	value := strings.TrimSpace(c.Args().First())
	if value == "" {
		return "", cli.Exit(fmt.Sprintf("缺少参数 <%s>", name), 2)
	}
	return value, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Join(errors.New("输出 JSON 失败"), err)
	}
	return nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
