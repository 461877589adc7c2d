/******************************************************************************
 *
 *  Description :
 *
 *  Web server initialization and shutdown.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"

	"github.com/tinode/swarmagg/server/logs"
)

// Time limit on completing in-flight HTTP requests at shutdown.
const httpShutdownTimeout = 5 * time.Second

func listenAndServe(addr string, mux *http.ServeMux, stop <-chan bool) error {
	shuttingDown := false

	httpdone := make(chan bool)

	server := &http.Server{
		Addr:              addr,
		Handler:           handlers.CombinedLoggingHandler(os.Stdout, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logs.Info.Printf("Listening for HTTP connections on [%s]", server.Addr)
		if err := server.ListenAndServe(); err != nil {
			if shuttingDown {
				logs.Info.Println("HTTP server: stopped")
			} else {
				logs.Error.Println("HTTP server: failed", err)
			}
		}
		httpdone <- true
	}()

	// Wait for either a termination signal or an error
loop:
	for {
		select {
		case <-stop:
			// No new messages from this point on.
			if globals.subscription != nil {
				globals.subscription.Cancel()
			}

			// Flip the flag that we are terminating and close the Accept-ing socket, so no new connections are possible
			shuttingDown = true
			ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			err := server.Shutdown(ctx)
			cancel()
			if err != nil {
				// failure/timeout shutting down the server gracefully
				logs.Warning.Println("HTTP server: shutdown:", err)
			}

			// Wait for http server to stop Accept()-ing connections
			<-httpdone

			// Shutdown the hub. The hub will let topics complete queued writes.
			hubdone := make(chan bool)
			globals.hub.shutdown <- hubdone

			// wait for the hub to finish
			<-hubdone

			break loop

		case <-httpdone:
			break loop
		}
	}
	return nil
}

// serveHealth reports if the service is up.
func serveHealth(wrt http.ResponseWriter, req *http.Request) {
	topics := 0
	// Topic counts by recovery state.
	states := map[string]int{}
	if globals.hub != nil {
		globals.hub.topics.Range(func(_, val any) bool {
			topics++
			states[val.(*Topic).initStatus().String()]++
			return true
		})
	}

	wrt.Header().Set("Content-Type", "application/json")
	wrt.WriteHeader(http.StatusOK)
	json.NewEncoder(wrt).Encode(map[string]any{
		"status": "ok",
		"topics": topics,
		"init":   states,
		"time":   time.Now().UTC().Round(time.Millisecond),
	})
}
