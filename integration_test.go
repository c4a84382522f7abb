//go:build integration

package ridewatch_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	ridewatch "github.com/ridewatch/ridewatch-go"
)

// Run with a live backend:
//
//	RIDEWATCH_BASE_URL_TEST=http://localhost:8090 go test -tags integration ./...

func testBaseURL(t *testing.T) string {
	t.Helper()
	base := os.Getenv("RIDEWATCH_BASE_URL_TEST")
	if base == "" {
		t.Skip("RIDEWATCH_BASE_URL_TEST not set")
	}
	return base
}

func uniqueEmail(prefix string) string {
	return fmt.Sprintf("%s_%d@ridewatch.test", prefix, time.Now().UnixNano())
}

func registerUser(t *testing.T, base string, role ridewatch.Role) *ridewatch.Client {
	t.Helper()
	anon := ridewatch.NewClient(ridewatch.WithBaseURL(base))
	req := &ridewatch.RegisterRequest{
		Name:     "Integration " + string(role),
		Email:    uniqueEmail(string(role)),
		Phone:    "+10000000000",
		Password: "integration-pass",
		Role:     role,
	}
	if role == ridewatch.RoleDriver {
		req.LicenceNumber = "IT-0001"
		req.VehicleInfo = "Test Sedan"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	res, err := anon.Users.Register(ctx, req)
	if err != nil {
		t.Fatalf("Register %s: %v", role, err)
	}
	return ridewatch.NewClient(
		ridewatch.WithBaseURL(base),
		ridewatch.WithIdentity(role, res.ID),
		ridewatch.WithToken(res.Token),
	)
}

// =======================================================================
// REST
// =======================================================================

func TestIntegrationProfile(t *testing.T) {
	rider := registerUser(t, testBaseURL(t), ridewatch.RoleRider)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	me, err := rider.Users.Me(ctx)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.ID != rider.UserID() || me.Role != ridewatch.RoleRider {
		t.Fatalf("Me = %+v", me)
	}
}

// =======================================================================
// Realtime trip flow
// =======================================================================

func TestIntegrationTripFlow(t *testing.T) {
	base := testBaseURL(t)
	rider := registerUser(t, base, ridewatch.RoleRider)
	driver := registerUser(t, base, ridewatch.RoleDriver)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if _, err := driver.Drivers.UpdateStatus(ctx, ridewatch.DriverOnline); err != nil {
		t.Fatalf("go online: %v", err)
	}
	defer driver.Drivers.UpdateStatus(context.Background(), ridewatch.DriverOffline)

	err := driver.Locations.Update(ctx, &ridewatch.LocationUpdate{
		DriverID:  driver.UserID(),
		Lat:       ridewatch.DefaultPickup.Lat,
		Lng:       ridewatch.DefaultPickup.Lng,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("location update: %v", err)
	}

	offers := make(chan ridewatch.TripEvent, 4)
	driverSess := driver.Realtime.DriverNotifications(ctx, nil)
	defer driverSess.Close()
	driverSess.OnTrip(func(e ridewatch.TripEvent) {
		if e.EventType() == ridewatch.EventTripRequested {
			offers <- e
		}
	})
	waitConnected(t, driverSess)

	trip, err := rider.Trips.Request(ctx, &ridewatch.TripRequest{
		PickupLat:  ridewatch.DefaultPickup.Lat,
		PickupLng:  ridewatch.DefaultPickup.Lng,
		DropoffLat: ridewatch.DefaultDropoff.Lat,
		DropoffLng: ridewatch.DefaultDropoff.Lng,
	})
	if err != nil {
		t.Fatalf("request trip: %v", err)
	}

	var (
		mu       sync.Mutex
		statuses []string
	)
	riderSess := rider.Realtime.TrackTrip(ctx, trip.ID, nil)
	defer riderSess.Close()
	riderSess.OnStatus(func(e ridewatch.StatusEvent) {
		mu.Lock()
		statuses = append(statuses, e.Status)
		mu.Unlock()
	})
	waitConnected(t, riderSess)

	select {
	case offer := <-offers:
		if offer.TripID != trip.ID {
			t.Logf("offer for another trip %s", offer.TripID)
		}
	case <-time.After(20 * time.Second):
		t.Log("no offer pushed; accepting directly")
	}

	if _, err := driver.Trips.Accept(ctx, trip.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := driver.Trips.UpdateStatus(ctx, trip.ID, ridewatch.TripArrived); err != nil {
		t.Fatalf("arrived: %v", err)
	}

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(statuses)
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("rider saw no status change")
}

func waitConnected(t *testing.T, s *ridewatch.Session) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !s.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("session %s never connected", s.Path())
		}
		time.Sleep(50 * time.Millisecond)
	}
}
