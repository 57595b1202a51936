package viewtest

import (
	"net/http"

	"github.com/gorilla/mux"
)

type Route struct {
	Name        string
	Methods     string
	Pattern     string
	HandlerFunc http.HandlerFunc
}

type Routes []Route

// NewRouter returns the HTTP API of s.
func NewRouter(s *Server) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	h := &handler{server: s}

	var routes = Routes{
		Route{
			"Info",
			"GET",
			"/",
			h.GetInfo,
		},
		Route{
			"AllDatabases",
			"GET",
			"/_all_dbs",
			h.AllDatabases,
		},
		Route{
			"UUID",
			"GET",
			"/_uuids",
			h.GetUUIDs,
		},
		Route{
			"GetDatabase",
			"GET",
			"/{db}",
			h.GetDatabase,
		},
		Route{
			"PutDatabase",
			"PUT",
			"/{db}",
			h.PutDatabase,
		},
		Route{
			"DeleteDatabase",
			"DELETE",
			"/{db}",
			h.DeleteDatabase,
		},
		Route{
			"PostDocument",
			"POST",
			"/{db}",
			h.PostDocument,
		},
		Route{
			"DatabaseAllDocs",
			"GET",
			"/{db}/_all_docs",
			h.DatabaseAllDocs,
		},
		Route{
			"BulkDocs",
			"POST",
			"/{db}/_bulk_docs",
			h.BulkDocs,
		},
		Route{
			"SelectView",
			"GET",
			"/{db}/_design/{docid}/_view/{view}",
			h.SelectView,
		},
		Route{
			"GetDDocument",
			"GET",
			"/{db}/_design/{docid}",
			h.GetDDocument,
		},
		Route{
			"HeadDDocument",
			"HEAD",
			"/{db}/_design/{docid}",
			h.HeadDDocument,
		},
		Route{
			"PutDDocument",
			"PUT",
			"/{db}/_design/{docid}",
			h.PutDDocument,
		},
		Route{
			"DeleteDDocument",
			"DELETE",
			"/{db}/_design/{docid}",
			h.DeleteDDocument,
		},
		Route{
			"GetDocument",
			"GET",
			"/{db}/{docid}",
			h.GetDocument,
		},
		Route{
			"HeadDocument",
			"HEAD",
			"/{db}/{docid}",
			h.HeadDocument,
		},
		Route{
			"PutDocument",
			"PUT",
			"/{db}/{docid}",
			h.PutDocument,
		},
		Route{
			"DeleteDocument",
			"DELETE",
			"/{db}/{docid}",
			h.DeleteDocument,
		},
	}

	for _, route := range routes {
		router.
			Methods(route.Methods).
			Path(route.Pattern).
			Name(route.Name).
			Handler(route.HandlerFunc)
	}

	return router
}
