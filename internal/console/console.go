// Package console 终端交互层：读取命令、调用会话服务并以表格输出视图。
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"tempmail/aliasmx/internal/codes"
	"tempmail/aliasmx/internal/domain"
	"tempmail/aliasmx/internal/poller"
)

// Session 终端使用的会话操作
type Session interface {
	Active() bool
	Domain() string
	Login(ctx context.Context, apiKey, domainName string) error
	Logout(ctx context.Context) error
	CreateAlias(ctx context.Context, name, forward string) (*domain.Alias, error)
	ListAliases(ctx context.Context, filter domain.AliasFilter, search string) ([]domain.Alias, error)
	AliasCodes(ctx context.Context, aliases []domain.Alias) (map[string]string, error)
	PurgeExpired(ctx context.Context) (domain.PurgeResult, error)
	ListCodes(ctx context.Context) ([]domain.ConfirmationCode, error)
	ClearCodes(ctx context.Context) (int, error)
	Logs(ctx context.Context, filter domain.LogFilter) ([]domain.DeliveryLog, error)
	ClearLogs(ctx context.Context) (int, error)
	PollNow(ctx context.Context) (poller.Result, error)
	AutoPollEnabled() bool
	ToggleAutoPoll(ctx context.Context) (bool, error)
	ForwardTarget(ctx context.Context) string
	SetForwardTarget(ctx context.Context, target string) error
	Stats(ctx context.Context) (domain.DashboardStats, error)
	Refresh(ctx context.Context) error
}

// Dismisser 手动关闭通知
type Dismisser interface {
	Current() string
	Dismiss(id string) bool
}

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, args []string) error
}

// Console 命令行交互
type Console struct {
	in       io.Reader
	out      io.Writer
	session  Session
	notifier Dismisser
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	commands map[string]command
	order    []string
}

// New 创建终端交互层
func New(in io.Reader, out io.Writer, session Session, notifier Dismisser, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Console{
		in:       in,
		out:      out,
		session:  session,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		commands: make(map[string]command),
	}
	c.register()
	return c
}

func (c *Console) register() {
	c.add("login", "login <api-key> <domain>", "验证 API Key 并登录", c.cmdLogin)
	c.add("logout", "logout", "登出并取消全部删除定时器", c.cmdLogout)
	c.add("create", "create [name] [forward]", "创建别名，名称留空时随机生成", c.cmdCreate)
	c.add("list", "list [all|active|expired] [search]", "列出当前域名的别名", c.cmdList)
	c.add("purge", "purge", "删除全部过期别名", c.cmdPurge)
	c.add("codes", "codes", "列出验证码", c.cmdCodes)
	c.add("clear-codes", "clear-codes", "清空验证码", c.cmdClearCodes)
	c.add("logs", "logs [all|delivered|failed|pending|has-code]", "列出本设备投递日志", c.cmdLogs)
	c.add("clear-logs", "clear-logs", "清空已加载的日志", c.cmdClearLogs)
	c.add("poll", "poll", "立即拉取投递日志", c.cmdPoll)
	c.add("auto", "auto", "切换自动拉取", c.cmdAuto)
	c.add("forward", "forward [email]", "查看或保存默认转发地址", c.cmdForward)
	c.add("stats", "stats", "仪表盘计数", c.cmdStats)
	c.add("refresh", "refresh", "重新计算状态并刷新", c.cmdRefresh)
	c.add("dismiss", "dismiss [id]", "关闭通知，默认关闭当前通知", c.cmdDismiss)
	c.add("help", "help", "显示帮助", c.cmdHelp)
}

func (c *Console) add(name, usage, help string, run func(context.Context, []string) error) {
	c.commands[name] = command{usage: usage, help: help, run: run}
	c.order = append(c.order, name)
}

// Run 读取并执行命令，输入结束或收到 quit 时返回 nil
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.logger.Warn("Console input error", zap.Error(err))
		}
	}()

	c.printf("aliasmx ready. Type 'help' for commands.\n")
	c.prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !c.Exec(ctx, line) {
				return nil
			}
			c.prompt()
		}
	}
}

// Exec 执行一行命令，返回 false 表示退出
func (c *Console) Exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	name := strings.ToLower(fields[0])
	if name == "quit" || name == "exit" {
		return false
	}

	cmd, ok := c.commands[name]
	if !ok {
		c.printf("Unknown command %q. Type 'help' for commands.\n", name)
		return true
	}

	if err := cmd.run(ctx, fields[1:]); err != nil {
		// 会话服务已经发出提醒，这里只记录
		c.logger.Debug("Command failed", zap.String("command", name), zap.Error(err))
	}
	return true
}

func (c *Console) prompt() {
	if c.session.Active() {
		c.printf("%s> ", c.session.Domain())
		return
	}
	c.printf("> ")
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) table(write func(w io.Writer)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	write(tw)
	tw.Flush()
}

func (c *Console) cmdHelp(context.Context, []string) error {
	c.table(func(w io.Writer) {
		for _, name := range c.order {
			cmd := c.commands[name]
			fmt.Fprintf(w, "  %s\t%s\n", cmd.usage, cmd.help)
		}
		fmt.Fprintf(w, "  %s\t%s\n", "quit", "退出")
	})
	return nil
}

func (c *Console) cmdLogin(ctx context.Context, args []string) error {
	if len(args) != 2 {
		c.printf("usage: login <api-key> <domain>\n")
		return nil
	}
	return c.session.Login(ctx, args[0], args[1])
}

func (c *Console) cmdLogout(ctx context.Context, _ []string) error {
	return c.session.Logout(ctx)
}

func (c *Console) cmdCreate(ctx context.Context, args []string) error {
	var name, forward string
	switch len(args) {
	case 0:
	case 1:
		if strings.Contains(args[0], "@") {
			forward = args[0]
		} else {
			name = args[0]
		}
	case 2:
		name, forward = args[0], args[1]
	default:
		c.printf("usage: create [name] [forward]\n")
		return nil
	}

	a, err := c.session.CreateAlias(ctx, name, forward)
	if err != nil {
		return err
	}
	c.printf("%s -> %s (expires in %s)\n", a.Address(), a.ForwardTarget, formatRemaining(a.Remaining(c.now())))
	return nil
}

func (c *Console) cmdList(ctx context.Context, args []string) error {
	filter := domain.AliasFilterAll
	var search string
	if len(args) > 0 {
		filter = domain.ParseAliasFilter(args[0])
		if string(filter) != strings.ToLower(args[0]) {
			// 第一个参数不是过滤条件时按搜索词处理
			filter = domain.AliasFilterAll
			search = strings.Join(args, " ")
		} else {
			search = strings.Join(args[1:], " ")
		}
	}

	aliases, err := c.session.ListAliases(ctx, filter, search)
	if err != nil {
		return err
	}
	if len(aliases) == 0 {
		c.printf("No aliases\n")
		return nil
	}
	received, err := c.session.AliasCodes(ctx, aliases)
	if err != nil {
		return err
	}

	now := c.now()
	c.table(func(w io.Writer) {
		fmt.Fprintln(w, "ALIAS\tFORWARD\tSTATUS\tREMAINING\tCODE\tCREATED")
		for i := range aliases {
			a := &aliases[i]
			remaining := "-"
			if a.Status == domain.AliasStatusActive {
				remaining = formatRemaining(a.Remaining(now))
			}
			code, ok := received[strings.ToLower(a.Name)]
			if !ok {
				code = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.Address(), a.ForwardTarget, a.Status, remaining, code, a.CreatedAt.Local().Format("15:04:05"))
		}
	})
	return nil
}

func (c *Console) cmdPurge(ctx context.Context, _ []string) error {
	_, err := c.session.PurgeExpired(ctx)
	return err
}

func (c *Console) cmdCodes(ctx context.Context, _ []string) error {
	list, err := c.session.ListCodes(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		c.printf("No confirmation codes\n")
		return nil
	}

	c.table(func(w io.Writer) {
		fmt.Fprintln(w, "CODE\tSENDER\tRECIPIENT\tTIME")
		for _, code := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				code.Code, code.Sender, code.Recipient, code.ObservedAt.Local().Format("01-02 15:04:05"))
		}
	})
	return nil
}

func (c *Console) cmdClearCodes(ctx context.Context, _ []string) error {
	n, err := c.session.ClearCodes(ctx)
	if err != nil {
		return err
	}
	c.printf("Cleared %d confirmation codes\n", n)
	return nil
}

func (c *Console) cmdLogs(ctx context.Context, args []string) error {
	filter := domain.LogFilterAll
	if len(args) > 0 {
		filter = domain.ParseLogFilter(args[0])
	}

	logs, err := c.session.Logs(ctx, filter)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		c.printf("No logs\n")
		return nil
	}

	c.table(func(w io.Writer) {
		fmt.Fprintln(w, "TIME\tSTATUS\tSENDER\tRECIPIENT\tSUBJECT")
		for i := range logs {
			l := &logs[i]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				l.Created.Local().Format("01-02 15:04:05"), l.LastStatus(), l.Sender, l.Recipient, truncate(codes.DecodeSubject(l.Subject), 60))
		}
	})
	return nil
}

func (c *Console) cmdClearLogs(ctx context.Context, _ []string) error {
	_, err := c.session.ClearLogs(ctx)
	return err
}

func (c *Console) cmdPoll(ctx context.Context, _ []string) error {
	_, err := c.session.PollNow(ctx)
	return err
}

func (c *Console) cmdAuto(ctx context.Context, _ []string) error {
	_, err := c.session.ToggleAutoPoll(ctx)
	return err
}

func (c *Console) cmdForward(ctx context.Context, args []string) error {
	if len(args) == 0 {
		target := c.session.ForwardTarget(ctx)
		if target == "" {
			target = "(not set)"
		}
		c.printf("Forward email: %s\n", target)
		return nil
	}
	return c.session.SetForwardTarget(ctx, args[0])
}

func (c *Console) cmdStats(ctx context.Context, _ []string) error {
	stats, err := c.session.Stats(ctx)
	if err != nil {
		return err
	}

	auto := "off"
	if c.session.AutoPollEnabled() {
		auto = "on"
	}
	c.table(func(w io.Writer) {
		fmt.Fprintf(w, "Total\t%d\n", stats.Total)
		fmt.Fprintf(w, "Active\t%d\n", stats.Active)
		fmt.Fprintf(w, "Expired\t%d\n", stats.Expired)
		fmt.Fprintf(w, "Codes\t%d\n", stats.Codes)
		fmt.Fprintf(w, "Auto-load\t%s\n", auto)
	})
	return nil
}

func (c *Console) cmdRefresh(ctx context.Context, _ []string) error {
	return c.session.Refresh(ctx)
}

func (c *Console) cmdDismiss(_ context.Context, args []string) error {
	if c.notifier == nil {
		return nil
	}
	id := c.notifier.Current()
	if len(args) > 0 {
		id = args[0]
	}
	if id == "" || !c.notifier.Dismiss(id) {
		c.printf("No notification to dismiss\n")
	}
	return nil
}

// formatRemaining 剩余时间，例如 3m05s
func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Round(time.Second)
	m := d / time.Minute
	s := (d % time.Minute) / time.Second
	if m == 0 {
		return fmt.Sprintf("%ds", s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
