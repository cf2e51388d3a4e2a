/*
Copyright 2024 Kiln Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/api/middleware"
	"github.com/kilnhq/kiln/config"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	kiln   *kiln.Kiln
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/jobs", a.SubmitJob)
	router.GET("/jobs/:id", a.GetJob)
	router.POST("/jobs/:id/retry", a.RetryJob)
	router.POST("/jobs/:id/cancel", a.CancelJob)
	router.POST("/jobs/:id/reconcile", a.ReconcileJob)

	router.GET("/owners/:owner_id/jobs", a.ListOwnerJobs)
	router.GET("/owners/:owner_id/credits", a.GetCreditBalance)
	router.GET("/owners/:owner_id/ledger", a.ListLedgerEntries)

	router.POST("/credits/grants", a.GrantCredits)

	router.GET("/pricing", a.ListPricingRules)
	router.PUT("/pricing", a.UpsertPricingRule)

	router.POST("/callbacks/:provider", a.ProviderCallback)

	router.POST("/admin/reconcile", a.ReconcileDueJobs)
	return a.router
}

func NewAPI(k *kiln.Kiln) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware("kiln"))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{kiln: k, router: r}
}
