package entity

import "time"

// Listing is owned by the listings domain. The chat core only reads it.
type Listing struct {
	ID        string    `json:"id" firestore:"id"`
	UserID    string    `json:"user_id" firestore:"userId"`
	Title     string    `json:"title" firestore:"title"`
	Price     float64   `json:"price" firestore:"price"`
	Location  string    `json:"location,omitempty" firestore:"location,omitempty"`
	Images    []string  `json:"images,omitempty" firestore:"images,omitempty"`
	CreatedAt time.Time `json:"created_at" firestore:"createdAt"`
	UpdatedAt time.Time `json:"updated_at" firestore:"updatedAt"`
}

// ListingSnapshot is a copy of the listing taken when a message or conversation
// is created, so clients can render a card without re-fetching the listing.
type ListingSnapshot struct {
	ListingID string  `json:"listing_id" firestore:"listingId"`
	SellerID  string  `json:"seller_id" firestore:"sellerId"`
	Title     string  `json:"title" firestore:"title"`
	Price     float64 `json:"price" firestore:"price"`
	Location  string  `json:"location,omitempty" firestore:"location,omitempty"`
	ImageURL  string  `json:"image_url,omitempty" firestore:"imageUrl,omitempty"`
}

func (l *Listing) Snapshot() *ListingSnapshot {
	snap := &ListingSnapshot{
		ListingID: l.ID,
		SellerID:  l.UserID,
		Title:     l.Title,
		Price:     l.Price,
		Location:  l.Location,
	}
	if len(l.Images) > 0 {
		snap.ImageURL = l.Images[0]
	}
	return snap
}

// Map renders the snapshot for free-form conversation metadata.
func (s *ListingSnapshot) Map() map[string]interface{} {
	return map[string]interface{}{
		"listing_id": s.ListingID,
		"seller_id":  s.SellerID,
		"title":      s.Title,
		"price":      s.Price,
		"location":   s.Location,
		"image_url":  s.ImageURL,
	}
}
