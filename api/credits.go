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
	model2 "github.com/kilnhq/kiln/api/model"
)

func (a Api) GrantCredits(c *gin.Context) {
	var req model2.CreateGrant
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := req.ValidateCreateGrant(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	account, err := a.kiln.GrantCredits(c.Request.Context(), req.ToCreditGrant())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, model2.NewBalanceResponse(account))
}

func (a Api) GetCreditBalance(c *gin.Context) {
	account, err := a.kiln.GetCreditBalance(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, model2.NewBalanceResponse(account))
}

func (a Api) ListLedgerEntries(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
		return
	}
	offset, err := intQuery(c, "offset")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a number"})
		return
	}

	entries, err := a.kiln.ListLedgerEntries(c.Request.Context(), c.Param("owner_id"), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, entries)
}
