/*Package locate resolves the device's approximate position from its
public IP address.

It is used as a fallback for the Grove GPS application when no GPS
device is connected.
*/
package locate

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// DefaultURL is the default geolocation endpoint.
const DefaultURL = "http://ip-api.com/json"

// Client is an IP geolocation client. It satisfies the sensors.Locator
// interface.
type Client struct {
	url        string
	httpClient *http.Client
}

// New returns a new client. An empty url selects DefaultURL.
func New(url string) *Client {
	if len(url) == 0 {
		url = DefaultURL
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Locate resolves the device's approximate latitude and longitude.
func (c *Client) Locate() (float64, float64, error) {
	res, err := c.httpClient.Get(c.url)
	if err != nil {
		return 0, 0, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("locate: unexpected status %s", res.Status)
	}

	var location struct {
		Status string  `json:"status"`
		Lat    float64 `json:"lat"`
		Lon    float64 `json:"lon"`
	}
	if err := json.NewDecoder(res.Body).Decode(&location); err != nil {
		return 0, 0, err
	}
	if len(location.Status) > 0 && location.Status != "success" {
		return 0, 0, fmt.Errorf("locate: lookup failed with status %q", location.Status)
	}
	return location.Lat, location.Lon, nil
}
