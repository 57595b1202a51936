package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"kdbview"
)

type fetchParams struct {
	url       string
	db        string
	design    string
	view      string
	user      string
	password  string
	options   map[string]string
	pageSize  int
	cacheSize int
	asynch    bool
	delay     time.Duration
}

func newFetchCmd() *cobra.Command {
	var params fetchParams
	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a view page by page and print its rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, params, cmd.OutOrStdout())
		},
	}
	fetchCmd.Flags().StringVar(&params.url, "url", "http://127.0.0.1:5984", "document store url")
	fetchCmd.Flags().StringVar(&params.db, "db", "", "database name")
	fetchCmd.Flags().StringVar(&params.design, "design", "", "design document name, empty for _all_docs")
	fetchCmd.Flags().StringVar(&params.view, "view", "", "view name")
	fetchCmd.Flags().StringVar(&params.user, "user", "", "basic auth user")
	fetchCmd.Flags().StringVar(&params.password, "password", "", "basic auth password")
	fetchCmd.Flags().StringToStringVarP(&params.options, "option", "o", nil, "view option, e.g. -o reduce=false -o startkey='[2013]'")
	fetchCmd.Flags().IntVar(&params.pageSize, "page-size", 0, "rows per page, 0 fetches everything at once")
	fetchCmd.Flags().IntVar(&params.cacheSize, "cache-size", 0, "maximum pages to fetch, 0 is unbounded")
	fetchCmd.Flags().BoolVar(&params.asynch, "asynch", false, "fetch pages after the first in the background")
	fetchCmd.Flags().DurationVar(&params.delay, "delay", kdbview.DefaultDelay, "delay between background fetches")
	_ = fetchCmd.MarkFlagRequired("db")
	return fetchCmd
}

// rawOptions decodes option values as JSON when they parse and keeps them
// as strings otherwise.
func rawOptions(options map[string]string) kdbview.RawOptions {
	raw := make(kdbview.RawOptions, len(options))
	for k, v := range options {
		var decoded interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			raw[k] = decoded
			continue
		}
		raw[k] = v
	}
	return raw
}

func printPage(out io.Writer, rv *kdbview.ResultView) {
	page := rv.Page()
	fmt.Fprintf(out, "# page %d offset=%d rows=%d total=%d\n", page.Index, page.Offset, page.Len(), page.TotalRows)
	for _, row := range rv.Rows() {
		data, _ := json.Marshal(map[string]interface{}{"id": row.ID, "key": row.Key, "value": row.Value})
		fmt.Fprintln(out, string(data))
	}
}

func runFetch(cmd *cobra.Command, params fetchParams, out io.Writer) error {
	ctx := cmd.Context()
	opts := []kdbview.Option{}
	if params.user != "" {
		opts = append(opts, kdbview.WithCredentials(kdbview.NewCredentials(params.user, params.password)))
	}
	client, err := kdbview.NewClient(params.url, opts...)
	if err != nil {
		return err
	}

	db := client.Database(params.db)
	view := db.AllDocs()
	if params.design != "" {
		if params.view == "" {
			return fmt.Errorf("--view is required with --design")
		}
		view = db.Design(params.design).View(params.view)
	}

	config := kdbview.SystemConfig{
		Asynch:    params.asynch,
		CacheSize: params.cacheSize,
		PageSize:  params.pageSize,
		Delay:     params.delay,
	}
	session, err := view.Prepare(ctx, rawOptions(params.options), config, func(rv *kdbview.ResultView, err error) {
		if err == nil {
			printPage(out, rv)
		}
	})
	if err != nil {
		return err
	}
	session.On(kdbview.EventMoreData, func(p kdbview.Payload) { printPage(out, p.View) })
	session.On(kdbview.EventCompleted, func(p kdbview.Payload) { printPage(out, p.View) })
	session.Start()
	if err := session.Wait(ctx); err != nil {
		return err
	}

	info := session.PageInfo()
	fmt.Fprintf(out, "# %d pages cached, %d rows total\n", info.CachedPages, info.TotalRows)
	return nil
}
