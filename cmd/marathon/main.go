package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hgschmie/marathon/config"
	"github.com/hgschmie/marathon/coordination"
	"github.com/hgschmie/marathon/driver"
	"github.com/hgschmie/marathon/eventbus"
	"github.com/hgschmie/marathon/health"
	"github.com/hgschmie/marathon/repository"
	"github.com/hgschmie/marathon/scheduler"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	var repo scheduler.AppRepository
	var epochs *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pg, err := repository.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("marathon: connecting to postgres: %v", err)
		}
		defer pg.Close()
		repo = pg

		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("marathon: opening epoch pool: %v", err)
		}
		defer pool.Close()
		epochs = pool
	} else {
		log.Println("marathon: MARATHON_POSTGRES_DSN unset, using in-memory app repository")
		repo = repository.NewMemory()
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("marathon: redis unavailable at %s, leadership election disabled: %v", cfg.RedisAddr, err)
		redisClient = nil
	}

	hub := eventbus.NewHub()
	go hub.Run(ctx)
	events := hub

	healthMgr := health.NewManager()

	var elector *coordination.Elector
	if redisClient != nil {
		elector = coordination.NewElector(redisClient, epochs, cfg.NodeID, cfg.LeaseTTL)
		janitor := coordination.NewJanitor(redisClient, epochs, cfg.JanitorPeriod)
		janitor.Start(ctx)
	}

	engineCfg := scheduler.DefaultEngineConfig()
	engineCfg.StagingGrace = cfg.StagingGrace
	engine := scheduler.NewEngine(repo, healthMgr, events, leadershipOrNoop(elector), nil, engineCfg)

	var frameworkIDs scheduler.FrameworkIDStore
	if redisClient != nil {
		store := coordination.NewFrameworkIDStore(redisClient)
		engine.SetFrameworkIDStore(store)
		frameworkIDs = store
	}
	registerWithDriver(ctx, engine, driver.NewLogDriver(), frameworkIDs, cfg.NodeID)

	if elector != nil {
		elector.SetCallbacks(
			func(leaderCtx context.Context) {
				epoch, _ := coordination.FencingEpoch(leaderCtx)
				log.Printf("marathon: node %s became leader (epoch %d), starting reconciliation loop", cfg.NodeID, epoch)
				go runReconcileLoop(leaderCtx, engine, cfg.ReconcilePeriod)
			},
			func() {
				log.Printf("marathon: node %s lost leadership", cfg.NodeID)
			},
		)
		elector.Start(ctx)
	} else {
		log.Println("marathon: starting reconciliation loop in standalone mode (no leadership election)")
		go runReconcileLoop(ctx, engine, cfg.ReconcilePeriod)
	}

	mux := http.NewServeMux()
	registerHandlers(mux, engine, hub)
	mux.Handle("/metrics", promhttp.Handler())

	log.Printf("marathon: listening on %s", cfg.ListenAddr)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, mux))
}

// leadershipOrNoop adapts a possibly-nil *coordination.Elector to
// scheduler.LeadershipCoordinator; the Engine always has something to call
// Abdicate on, even in standalone mode.
func leadershipOrNoop(e *coordination.Elector) scheduler.LeadershipCoordinator {
	if e == nil {
		return noopCoordinator{}
	}
	return e
}

type noopCoordinator struct{}

func (noopCoordinator) Abdicate(ctx context.Context) {}

// registerWithDriver stands in for the real driver's registered() callback:
// it reuses a previously persisted framework id if one exists, or mints a
// fresh one, the way a real cluster manager connection would replay it on
// reconnect.
func registerWithDriver(ctx context.Context, engine *scheduler.Engine, d scheduler.Driver, frameworkIDs scheduler.FrameworkIDStore, nodeID string) {
	frameworkID := "marathon-" + nodeID
	if frameworkIDs != nil {
		if existing, found, err := frameworkIDs.Load(ctx); err != nil {
			log.Printf("marathon: loading framework id failed, minting a fresh one: %v", err)
		} else if found {
			frameworkID = existing
		}
	}
	engine.Registered(ctx, d, frameworkID)
}

func runReconcileLoop(ctx context.Context, engine *scheduler.Engine, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.ReconcileTasks(ctx)
		}
	}
}

func registerHandlers(mux *http.ServeMux, engine *scheduler.Engine, hub *eventbus.Hub) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v2/apps", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var app scheduler.AppDefinition
		if err := json.NewDecoder(r.Body).Decode(&app); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := engine.StartApp(r.Context(), &app); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/v2/apps/", func(w http.ResponseWriter, r *http.Request) {
		appID := r.URL.Path[len("/v2/apps/"):]
		if appID == "" {
			http.Error(w, "missing app id", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodDelete:
			if err := engine.StopApp(r.Context(), appID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			var patch struct {
				Instances int `json:"instances"`
			}
			if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			updated, err := engine.UpdateApp(r.Context(), appID, func(app *scheduler.AppDefinition) {
				app.Instances = patch.Instances
			})
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(updated)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v2/apps/restart", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			App       scheduler.AppDefinition `json:"app"`
			KeepAlive int                     `json:"keepAlive"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result := engine.UpgradeApp(r.Context(), &req.App, req.KeepAlive)
		fmt.Fprintf(w, `{"success": %v}`, result.Wait())
	})

	mux.Handle("/v2/events", hub)

	mux.HandleFunc("/debug/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(engine.Snapshot())
	})
}
