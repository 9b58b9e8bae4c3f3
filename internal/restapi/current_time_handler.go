package restapi

import (
	"net/http"

	"bussim.transitsim.org/internal/models"
)

// currentTimeHandler reports the simulated time.
func (api *RestAPI) currentTimeHandler(w http.ResponseWriter, r *http.Request) {
	timeData := models.NewCurrentTimeData(api.Clock.Now())
	response := models.NewEntryResponse(timeData, api.Clock)

	api.sendResponse(w, r, response)
}
