package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"kdbview/viewtest"
)

type serveParams struct {
	addr   string
	dbPath string
	demo   bool
}

func newServeCmd() *cobra.Command {
	var params serveParams
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-process CouchDB-compatible store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), params)
		},
	}
	serveCmd.Flags().StringVar(&params.addr, "addr", "127.0.0.1:5984", "listen address")
	serveCmd.Flags().StringVar(&params.dbPath, "data", "", "directory for database files, in memory when empty")
	serveCmd.Flags().BoolVar(&params.demo, "demo", false, "create a demo database with a sales view")
	return serveCmd
}

func runServe(ctx context.Context, params serveParams) error {
	server := viewtest.NewServer(params.dbPath)
	defer server.Close()

	if params.demo {
		if err := seedDemo(ctx, server); err != nil {
			return fmt.Errorf("demo database not created: %w", err)
		}
	}

	srv := &http.Server{Addr: params.addr, Handler: viewtest.NewRouter(server)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	glog.Infof("serving on %s", params.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// seedDemo creates the "demo" database: sales documents and a
// _design/sales with a by_year view keyed [year, country].
func seedDemo(ctx context.Context, server *viewtest.Server) error {
	db, err := server.CreateDatabase("demo")
	if err != nil {
		return err
	}

	design, err := viewtest.ParseDocument([]byte(`{
		"_id": "_design/sales",
		"views": {"by_year": {"header": {"keys": ["year", "country"], "columns": ["year", "country", "amount"], "sortColumn": "year"}}},
		"types": {"amount": ["number", 1]}
	}`))
	if err != nil {
		return err
	}
	docs := []*viewtest.Document{design}
	countries := []string{"Canada", "France", "Kenya", "Peru"}
	for i := 0; i < 40; i++ {
		doc, err := viewtest.ParseDocument([]byte(fmt.Sprintf(`{"_id":"sale-%03d","year":%d,"country":%q,"amount":%d}`,
			i, 2010+i%4, countries[i%len(countries)], 100+i*7)))
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	for _, res := range db.BulkDocs(ctx, docs) {
		if res.Error != "" {
			return fmt.Errorf("%s: %s (%s)", res.ID, res.Error, res.Reason)
		}
	}

	db.DefineView("sales", "by_year", viewtest.ViewDef{
		Map: func(doc map[string]interface{}, emit viewtest.Emit) {
			emit([]interface{}{doc["year"], doc["country"]}, map[string]interface{}{"amount": doc["amount"]})
		},
	})
	db.DefineView("sales", "amount", viewtest.ViewDef{
		Map: func(doc map[string]interface{}, emit viewtest.Emit) {
			emit([]interface{}{doc["year"], doc["country"]}, doc["amount"])
		},
		Reduce: viewtest.ReduceSum,
	})
	return nil
}
