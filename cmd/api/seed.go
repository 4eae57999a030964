package main

import (
	"context"

	"marketchat/internal/adapter/repository"
	"marketchat/internal/domain/entity"
	"marketchat/pkg/logger"
)

// seedDevelopmentData gives the memory driver a buyer, a seller, an admin and
// one listing, so "dev:buyer-1" can open a conversation about "listing-1".
func seedDevelopmentData(users *repository.MemoryUserRepository, listings *repository.MemoryListingRepository) {
	ctx := context.Background()

	seedUsers := []*entity.User{
		{ID: "buyer-1", Email: "buyer@example.com", Username: "Bima Buyer"},
		{ID: "seller-1", Email: "seller@example.com", Username: "Sari Seller"},
		{ID: "admin-1", Email: "admin@example.com", Username: "Ops", Role: entity.RoleAdmin},
	}
	for _, u := range seedUsers {
		if err := users.Create(ctx, u); err != nil {
			logger.Warn("Seed: user %s: %v", u.ID, err)
		}
	}

	listings.Save(&entity.Listing{
		ID:       "listing-1",
		UserID:   "seller-1",
		Title:    "Road bike, 54cm",
		Price:    350,
		Location: "Bandung",
	})

	logger.Info("Seeded %d development users and 1 listing", len(seedUsers))
}
